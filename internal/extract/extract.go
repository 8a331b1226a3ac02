// Package extract implements the content extractor: a pure function from
// rendered HTML to a (title, description, content) triple, operating on a
// cloned DOM so the caller's original document is never mutated.
package extract

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Threshold constants named per the heuristic design so they can be tuned
// without hunting for magic numbers inline.
const (
	titleMaxLen            = 200
	descriptionMaxLen      = 500
	mainContentMinLen      = 200
	textToMarkupMinRatio   = 0.1
	fallbackShortThreshold = 500
	fallbackBodyThreshold  = 100
	contentCap             = 50000
	// MinContentLen is the minimum extracted content length below which a
	// page is considered empty and should be skipped by the caller.
	MinContentLen = 20
)

var boilerplateSelectors = []string{
	"script", "style", "link", "meta", "noscript", "iframe",
}

var boilerplateClassNeedles = []string{
	"ad", "ads", "advertisement", "cookie-banner", "popup", "modal",
}

var mainContentSelectors = []string{
	"main", "article", `[role="main"]`, ".content", ".main-content",
	"#content", "#main", ".post-content", ".entry-content",
	".page-content", ".article-body", ".post-body", ".text-content",
}

var ratioFallbackSelectors = []string{"main", "article", "section", "div"}

// Result is the output of Extract.
type Result struct {
	Title       string
	Description string
	Content     string
}

// Extract runs the extraction pipeline over rendered HTML and returns the
// title, description, and primary text content. It never mutates a caller-
// held DOM; it parses into a fresh document and clones before stripping.
func Extract(html string) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Result{}, fmt.Errorf("parse html: %w", err)
	}

	clone := goquery.CloneDocument(doc)

	title := extractTitle(doc, clone)
	description := extractDescription(clone)

	stripBoilerplate(clone)

	content := selectMainContent(clone)
	augmented := augmentStructure(clone)
	content = applyFallbacks(clone, content, augmented)
	content = clean(content)
	if len(content) > contentCap {
		content = content[:contentCap]
	}

	return Result{Title: title, Description: description, Content: content}, nil
}

// stripBoilerplate removes script/style/nav-irrelevant nodes, ad/cookie/
// popup/modal classed elements, and anything hidden via inline style or the
// hidden attribute. Navigation, header, and footer are left in place since
// they often carry useful structure.
func stripBoilerplate(doc *goquery.Document) {
	doc.Find(strings.Join(boilerplateSelectors, ", ")).Remove()

	doc.Find("[class]").Each(func(_ int, s *goquery.Selection) {
		class := strings.ToLower(s.AttrOr("class", ""))
		for _, needle := range boilerplateClassNeedles {
			if strings.Contains(class, needle) {
				s.Remove()
				return
			}
		}
	})

	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		style := strings.ToLower(s.AttrOr("style", ""))
		if strings.Contains(strings.ReplaceAll(style, " ", ""), "display:none") {
			s.Remove()
		}
	})

	doc.Find("[hidden]").Remove()
}

func extractTitle(doc, clone *goquery.Document) string {
	if t := strings.TrimSpace(clone.Find("title").First().Text()); t != "" {
		return truncate(normalizeWhitespace(t), titleMaxLen)
	}
	if h1 := strings.TrimSpace(clone.Find("h1").First().Text()); h1 != "" {
		return truncate(normalizeWhitespace(h1), titleMaxLen)
	}
	if og, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok {
		if t := strings.TrimSpace(og); t != "" {
			return truncate(normalizeWhitespace(t), titleMaxLen)
		}
	}
	return "Untitled"
}

func extractDescription(doc *goquery.Document) string {
	if desc, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		if d := strings.TrimSpace(desc); d != "" {
			return truncate(normalizeWhitespace(d), descriptionMaxLen)
		}
	}
	if desc, ok := doc.Find(`meta[property="og:description"]`).First().Attr("content"); ok {
		if d := strings.TrimSpace(desc); d != "" {
			return truncate(normalizeWhitespace(d), descriptionMaxLen)
		}
	}
	return ""
}

// selectMainContent implements step 4: try the selector cascade first, then
// fall back to the highest text/markup ratio candidate among generic
// container tags.
func selectMainContent(doc *goquery.Document) string {
	for _, sel := range mainContentSelectors {
		candidate := doc.Find(sel).First()
		if candidate.Length() == 0 {
			continue
		}
		text := strings.TrimSpace(candidate.Text())
		if len(text) > mainContentMinLen {
			return text
		}
	}

	var best string
	var bestLen int
	doc.Find(strings.Join(ratioFallbackSelectors, ", ")).Each(func(_ int, s *goquery.Selection) {
		text := s.Text()
		textLen := len(text)
		if textLen == 0 {
			return
		}
		htmlLen := len(renderedHTML(s))
		if htmlLen == 0 {
			return
		}
		ratio := float64(textLen) / float64(htmlLen)
		if ratio <= textToMarkupMinRatio {
			return
		}
		if textLen > bestLen {
			bestLen = textLen
			best = text
		}
	})
	return best
}

func renderedHTML(s *goquery.Selection) string {
	h, err := goquery.OuterHtml(s)
	if err != nil {
		return ""
	}
	return h
}

// augmentStructure implements step 5, always appended after the main
// content candidate: headings, paragraphs over 30 chars, list items, and
// pipe-delimited tables.
func augmentStructure(doc *goquery.Document) string {
	var b strings.Builder

	doc.Find("h1,h2,h3,h4,h5,h6").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}
		fmt.Fprintf(&b, "## %s\n", text)
	})

	paragraphsAndLists(doc, &b)

	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		hasHeader := table.Find("th").Length() > 0
		headerWritten := false
		table.Find("tr").Each(func(rowIdx int, row *goquery.Selection) {
			var cells []string
			row.Find("th,td").Each(func(_ int, cell *goquery.Selection) {
				cells = append(cells, strings.TrimSpace(cell.Text()))
			})
			if len(cells) == 0 {
				return
			}
			b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
			if hasHeader && !headerWritten && row.Find("th").Length() > 0 {
				sep := make([]string, len(cells))
				for i := range sep {
					sep[i] = "---"
				}
				b.WriteString("| " + strings.Join(sep, " | ") + " |\n")
				headerWritten = true
			}
		})
	})

	return b.String()
}

// paragraphsAndLists renders paragraphs over 30 chars and list items,
// shared between augmentStructure's full rendering and applyFallbacks'
// narrower short-main replacement.
func paragraphsAndLists(doc *goquery.Document, b *strings.Builder) {
	doc.Find("p").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if len(text) > 30 {
			b.WriteString(text)
			b.WriteString("\n")
		}
	})

	doc.Find("ul,ol").Each(func(_ int, list *goquery.Selection) {
		list.Find("li").Each(func(_ int, li *goquery.Selection) {
			text := strings.TrimSpace(li.Text())
			if text == "" {
				return
			}
			fmt.Fprintf(b, "• %s\n", text)
		})
	})
}

// applyFallbacks implements step 6. The structural augmentation is always
// appended after the main candidate (step 5); if main itself was under 500
// chars, that combined content is replaced with a paragraphs+lists-only
// rendering; if that is still under 100 chars, fall back to the whole body
// text.
func applyFallbacks(doc *goquery.Document, main, augmented string) string {
	content := main
	if augmented != "" {
		if content != "" {
			content += "\n"
		}
		content += augmented
	}
	if len(main) < fallbackShortThreshold {
		var b strings.Builder
		paragraphsAndLists(doc, &b)
		content = b.String()
	}
	if len(content) < fallbackBodyThreshold {
		content = doc.Find("body").Text()
	}
	return content
}

var (
	whitespaceRun  = regexp.MustCompile(`[ \t\x{00A0}]+`)
	multiNewline   = regexp.MustCompile(`\n{2,}`)
	tabOrNBSPGlyph = strings.NewReplacer("\t", " ", " ", " ")
)

// clean implements step 7.
func clean(content string) string {
	content = tabOrNBSPGlyph.Replace(content)
	content = whitespaceRun.ReplaceAllString(content, " ")
	content = multiNewline.ReplaceAllString(content, "\n\n")
	return strings.TrimSpace(content)
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
