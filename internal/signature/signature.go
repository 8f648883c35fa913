// Package signature implements the Signature Computer: it derives a
// structural fingerprint from an HTML document so the engine can
// cluster pages sharing the same template within a run.
package signature

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"hydrafrog/pkg/types"
)

const (
	maxBodyTopLevelTags = 30
	maxSkeletonSample   = 150
	maxClassTokens      = 15
	maxClassTokenLength = 20
)

var landmarkTags = []string{"header", "nav", "main", "footer", "section", "article", "form"}
var formTags = []string{"input", "button", "select", "textarea"}

var hexLikeToken = regexp.MustCompile(`^[a-f0-9]{8,}$`)
var digitsOnlyToken = regexp.MustCompile(`^[0-9]+$`)

// Compute pre-cleans the document, derives its structural signature,
// and returns the signature alongside its sha256 hash. The hash is
// computed over the struct's JSON encoding, which preserves field
// order because TemplateSignature's counted fields are slices rather
// than maps.
func Compute(htmlBody []byte) (*types.TemplateSignature, string, error) {
	cleaned, err := preClean(htmlBody)
	if err != nil {
		return nil, "", err
	}

	root, err := html.Parse(bytes.NewReader(cleaned))
	if err != nil {
		return nil, "", err
	}

	body := findFirstElement(root, "body")
	if body == nil {
		body = root
	}

	sig := &types.TemplateSignature{
		BodyTopLevelTags:  bodyTopLevelTags(body),
		LandmarkCounts:    countTags(body, landmarkTags),
		FormElements:      countTags(body, formTags),
		LinkStats:         types.LinkStats{TotalLinks: countAnchorsWithHref(body)},
		DOMSkeletonSample: domSkeletonSample(body),
		ClassTokensSample: classTokensSample(body),
	}

	encoded, err := json.Marshal(sig)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(encoded)
	return sig, hex.EncodeToString(sum[:]), nil
}

// preClean removes script, style, noscript, svg, and iframe subtrees
// before structural analysis, using goquery for its convenient
// selector-based removal.
func preClean(htmlBody []byte) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(htmlBody))
	if err != nil {
		return nil, err
	}
	doc.Find("script,style,noscript,svg,iframe").Remove()
	out, err := doc.Html()
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

func bodyTopLevelTags(body *html.Node) []string {
	var tags []string
	for child := body.FirstChild; child != nil && len(tags) < maxBodyTopLevelTags; child = child.NextSibling {
		if child.Type != html.ElementNode {
			continue
		}
		tags = append(tags, strings.ToLower(child.Data))
	}
	return tags
}

func countTags(root *html.Node, names []string) []types.CountedTag {
	counts := make(map[string]int, len(names))
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			tag := strings.ToLower(n.Data)
			for _, want := range names {
				if tag == want {
					counts[tag]++
					break
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)

	result := make([]types.CountedTag, 0, len(names))
	for _, name := range names {
		if c := counts[name]; c > 0 {
			result = append(result, types.CountedTag{Tag: name, Count: c})
		}
	}
	return result
}

func countAnchorsWithHref(root *html.Node) int {
	total := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && strings.EqualFold(n.Data, "a") && hasAttr(n, "href") {
			total++
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)
	return total
}

// domSkeletonSample returns a ">"-joined tag path from body to each of
// the first maxSkeletonSample descendants, in document order.
func domSkeletonSample(body *html.Node) []string {
	var sample []string
	var walk func(n *html.Node, path []string)
	walk = func(n *html.Node, path []string) {
		if len(sample) >= maxSkeletonSample {
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			if len(sample) >= maxSkeletonSample {
				return
			}
			if child.Type != html.ElementNode {
				continue
			}
			tag := strings.ToLower(child.Data)
			childPath := append(append([]string(nil), path...), tag)
			sample = append(sample, strings.Join(childPath, ">"))
			walk(child, childPath)
		}
	}
	walk(body, []string{"body"})
	return sample
}

// classTokensSample returns up to maxClassTokens unique class tokens,
// capped during the document-order walk (mirroring domSkeletonSample)
// so the cap keeps the first-seen tokens rather than an alphabetical
// top-N, then sorts the capped set for deterministic output.
func classTokensSample(body *html.Node) []string {
	seen := make(map[string]struct{})
	var tokens []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(tokens) >= maxClassTokens {
			return
		}
		if n.Type == html.ElementNode {
			for _, tok := range strings.Fields(getAttr(n, "class")) {
				if len(tokens) >= maxClassTokens {
					break
				}
				tok = truncateToken(strings.ToLower(strings.TrimSpace(tok)))
				if !keepClassToken(tok) {
					continue
				}
				if _, ok := seen[tok]; ok {
					continue
				}
				seen[tok] = struct{}{}
				tokens = append(tokens, tok)
			}
		}
		for child := n.FirstChild; child != nil && len(tokens) < maxClassTokens; child = child.NextSibling {
			walk(child)
		}
	}
	walk(body)

	sort.Strings(tokens)
	return tokens
}

func keepClassToken(tok string) bool {
	if len(tok) < 2 {
		return false
	}
	if digitsOnlyToken.MatchString(tok) {
		return false
	}
	if hexLikeToken.MatchString(tok) {
		return false
	}
	if strings.HasPrefix(tok, "_") {
		return false
	}
	return true
}

func truncateToken(tok string) string {
	if len(tok) > maxClassTokenLength {
		return tok[:maxClassTokenLength]
	}
	return tok
}

func findFirstElement(node *html.Node, tag string) *html.Node {
	if node == nil {
		return nil
	}
	if node.Type == html.ElementNode && strings.EqualFold(node.Data, tag) {
		return node
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if found := findFirstElement(child, tag); found != nil {
			return found
		}
	}
	return nil
}

func hasAttr(node *html.Node, attr string) bool {
	for _, a := range node.Attr {
		if strings.EqualFold(a.Key, attr) {
			return true
		}
	}
	return false
}

func getAttr(node *html.Node, attr string) string {
	for _, a := range node.Attr {
		if strings.EqualFold(a.Key, attr) {
			return a.Val
		}
	}
	return ""
}
