package feeds

import (
	"regexp"
	"strings"

	"github.com/abelbrown/eventthread/internal/model"
)

// Filter drops promotional items that RSS feeds mix in with news. Ads
// cluster with each other and pollute the event list.
type Filter struct {
	// URL patterns to block
	BlockURLPatterns []*regexp.Regexp

	// Title patterns to block
	BlockTitlePatterns []*regexp.Regexp

	// Keywords in titles that indicate ads
	BlockKeywords []string
}

// DefaultFilter returns a filter configured to block common ad patterns.
func DefaultFilter() *Filter {
	return &Filter{
		BlockKeywords: []string{
			"sponsored",
			"advertisement",
			"paid content",
			"paid post",
			"partner content",
			"branded content",
			"presented by",
			"brought to you by",
			"[ad]",
			"credit card",
			"cash back",
			"0% apr",
			"balance transfer",
			"limited time offer",
		},
		BlockURLPatterns: compilePatterns([]string{
			`/sponsored/`,
			`/native/`,
			`/branded-content/`,
			`/partner/`,
			`/advertisement/`,
			`doubleclick\.net`,
			`/paid-post/`,
			`/deals/`,
			`/coupons/`,
			`utm_source=paid`,
		}),
		BlockTitlePatterns: compilePatterns([]string{
			`(?i)^sponsored:`,
			`(?i)^ad:`,
			`(?i)^promo:`,
			`(?i)partner content:`,
		}),
	}
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	result := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		result = append(result, regexp.MustCompile(p))
	}
	return result
}

// ShouldBlock returns true if the story should be filtered out. Blank
// titles are not blocked here.
func (f *Filter) ShouldBlock(st model.Story) bool {
	for _, re := range f.BlockURLPatterns {
		if re.MatchString(st.URL) {
			return true
		}
	}
	for _, re := range f.BlockTitlePatterns {
		if re.MatchString(st.Title) {
			return true
		}
	}
	titleLower := strings.ToLower(st.Title)
	for _, kw := range f.BlockKeywords {
		if strings.Contains(titleLower, kw) {
			return true
		}
	}
	return false
}

// Apply returns the stories that pass and the number blocked.
func (f *Filter) Apply(stories []model.Story) ([]model.Story, int) {
	out := make([]model.Story, 0, len(stories))
	for _, st := range stories {
		if !f.ShouldBlock(st) {
			out = append(out, st)
		}
	}
	return out, len(stories) - len(out)
}
