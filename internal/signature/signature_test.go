package signature

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"hydrafrog/pkg/types"
)

const samplePage = `<html><body>
<header class="site-header">H</header>
<main class="content main-area">
  <h1>Title</h1>
  <form><input type="text"><button>Go</button></form>
  <a href="/a">A</a>
  <a href="/b">B</a>
  <div class="card_1 a1b2c3d4e5f6a7b8"></div>
</main>
<footer>F</footer>
<script>var x = 1;</script>
</body></html>`

func TestCompute_DeterministicHash(t *testing.T) {
	t.Parallel()

	_, hash1, err := Compute([]byte(samplePage))
	require.NoError(t, err)

	_, hash2, err := Compute([]byte(samplePage))
	require.NoError(t, err)

	require.Equal(t, hash1, hash2)
}

func TestCompute_BodyTopLevelTags(t *testing.T) {
	t.Parallel()

	sig, _, err := Compute([]byte(samplePage))
	require.NoError(t, err)
	require.Equal(t, []string{"header", "main", "footer"}, sig.BodyTopLevelTags)
}

func TestCompute_LandmarkAndFormCounts(t *testing.T) {
	t.Parallel()

	sig, _, err := Compute([]byte(samplePage))
	require.NoError(t, err)

	require.Contains(t, sig.LandmarkCounts, types.CountedTag{Tag: "header", Count: 1})
	require.Contains(t, sig.LandmarkCounts, types.CountedTag{Tag: "main", Count: 1})
	require.Contains(t, sig.LandmarkCounts, types.CountedTag{Tag: "footer", Count: 1})
	require.Contains(t, sig.LandmarkCounts, types.CountedTag{Tag: "form", Count: 1})

	require.Contains(t, sig.FormElements, types.CountedTag{Tag: "input", Count: 1})
	require.Contains(t, sig.FormElements, types.CountedTag{Tag: "button", Count: 1})
}

func TestCompute_LinkStats(t *testing.T) {
	t.Parallel()

	sig, _, err := Compute([]byte(samplePage))
	require.NoError(t, err)
	require.Equal(t, 2, sig.LinkStats.TotalLinks)
}

func TestCompute_ScriptSubtreeRemoved(t *testing.T) {
	t.Parallel()

	sig, _, err := Compute([]byte(samplePage))
	require.NoError(t, err)
	require.NotContains(t, sig.BodyTopLevelTags, "script")
}

func TestCompute_ClassTokensFiltered(t *testing.T) {
	t.Parallel()

	sig, _, err := Compute([]byte(samplePage))
	require.NoError(t, err)

	require.Contains(t, sig.ClassTokensSample, "card_1")
	require.Contains(t, sig.ClassTokensSample, "site-header")
	require.NotContains(t, sig.ClassTokensSample, "a1b2c3d4e5f6a7b8")
}

func TestCompute_ClassTokensSampleCapsInDocumentOrder(t *testing.T) {
	t.Parallel()

	// 20 distinct class tokens in descending document order (tok19 first,
	// tok00 last). Alphabetical-top-15 would keep tok00-tok14; capping
	// during the document-order walk keeps the first 15 encountered
	// (tok19..tok05), sorted afterward for deterministic output.
	var body strings.Builder
	body.WriteString("<html><body>")
	for i := 19; i >= 0; i-- {
		fmt.Fprintf(&body, `<div class="tok%02d"></div>`, i)
	}
	body.WriteString("</body></html>")

	sig, _, err := Compute([]byte(body.String()))
	require.NoError(t, err)

	require.Len(t, sig.ClassTokensSample, maxClassTokens)
	require.Equal(t, []string{
		"tok05", "tok06", "tok07", "tok08", "tok09",
		"tok10", "tok11", "tok12", "tok13", "tok14",
		"tok15", "tok16", "tok17", "tok18", "tok19",
	}, sig.ClassTokensSample)
	require.NotContains(t, sig.ClassTokensSample, "tok00")
	require.NotContains(t, sig.ClassTokensSample, "tok04")
}

func TestCompute_IdenticalInputsProduceByteStableHash(t *testing.T) {
	t.Parallel()

	htmlA := `<html><body><div class="x">Hello</div></body></html>`
	htmlB := `<html><body><div class="x">Hello</div></body></html>`

	_, hashA, err := Compute([]byte(htmlA))
	require.NoError(t, err)
	_, hashB, err := Compute([]byte(htmlB))
	require.NoError(t, err)
	require.Equal(t, hashA, hashB)
}
