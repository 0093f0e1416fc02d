package lookup

import (
	"bytes"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	banKeywords = []string{
		"twoje żądanie zostało zablokowane",
		"przepraszamy, ale",
		"zbyt wiele zapytań",
		"blocked",
	}
	captchaKeywords = []string{
		"captcha",
		"verify you are human",
		"potwierdź, że nie jesteś robotem",
	}
	noResultsKeywords = []string{
		"nie znaleźliśmy",
		"brak wyników",
		"spróbuj zmienić frazę",
	}

	priceSelectors = []string{`[data-testid="listing-ad-price"]`, `[itemprop="price"]`}

	priceRegexes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)"price"\s*:\s*\{\s*"amount"\s*:\s*"([\d., ]+)"`),
		regexp.MustCompile(`(?i)"amount"\s*:\s*"([\d., ]+)"`),
		regexp.MustCompile(`(?i)data-testid="listing-ad-price"[^>]*>([\d., ]+)\s*zł`),
	}
	soldRegexes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(\d+)\s*(?:osób kupiło|osoby kupiły|sprzedanych|sold)`),
		regexp.MustCompile(`(?i)sprzedano\s*(\d+)`),
	}
)

// Verdict is the classification of one marketplace response.
type Verdict struct {
	Outcome     Outcome
	LowestPrice decimal.NullDecimal
	SoldCount   *int
	Detail      string
}

// Classify maps a marketplace response to an outcome. Signatures are checked in
// order: blocked, captcha, no listings, price. A page matching none of them is
// a transient error.
func Classify(status int, body []byte) Verdict {
	text := cases.Lower(language.Polish).String(string(body))

	if status == http.StatusForbidden || status == http.StatusTooManyRequests || containsAny(text, banKeywords) {
		return Verdict{Outcome: OutcomeBlocked, Detail: fmt.Sprintf("marketplace blocked the request (status %d)", status)}
	}
	if containsAny(text, captchaKeywords) {
		return Verdict{Outcome: OutcomeCaptcha, Detail: "marketplace requires captcha verification"}
	}
	if status == http.StatusNotFound || containsAny(text, noResultsKeywords) {
		return Verdict{Outcome: OutcomeNotFound}
	}
	if status >= http.StatusInternalServerError {
		return Verdict{Outcome: OutcomeTransientError, Detail: fmt.Sprintf("marketplace returned status %d", status)}
	}

	price, ok := extractPrice(body)
	if !ok {
		return Verdict{Outcome: OutcomeTransientError, Detail: "no price in marketplace response"}
	}
	return Verdict{
		Outcome:     OutcomeFound,
		LowestPrice: decimal.NewNullDecimal(price),
		SoldCount:   extractSoldCount(text),
	}
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// extractPrice prefers structured listing state, then price elements, then
// loose regexes over the raw markup. The lowest positive amount wins.
func extractPrice(body []byte) (decimal.Decimal, bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err == nil {
		var amounts []decimal.Decimal
		doc.Find(`script[type="application/json"]`).Each(func(_ int, s *goquery.Selection) {
			raw := s.Text()
			if gjson.Valid(raw) {
				amounts = collectAmounts(gjson.Parse(raw), amounts)
			}
		})
		if price, ok := lowest(amounts); ok {
			return price, true
		}

		amounts = amounts[:0]
		for _, selector := range priceSelectors {
			doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
				raw, ok := s.Attr("content")
				if !ok {
					raw = s.Text()
				}
				if d, ok := parseAmount(raw); ok {
					amounts = append(amounts, d)
				}
			})
		}
		if price, ok := lowest(amounts); ok {
			return price, true
		}
	}

	for _, re := range priceRegexes {
		if m := re.FindSubmatch(body); m != nil {
			if d, ok := parseAmount(string(m[1])); ok {
				return d, true
			}
		}
	}
	return decimal.Zero, false
}

func collectAmounts(node gjson.Result, out []decimal.Decimal) []decimal.Decimal {
	switch {
	case node.IsObject():
		if amount := node.Get("price.amount"); amount.Exists() {
			if d, ok := parseAmount(amount.String()); ok {
				out = append(out, d)
			}
		}
		node.ForEach(func(_, value gjson.Result) bool {
			out = collectAmounts(value, out)
			return true
		})
	case node.IsArray():
		node.ForEach(func(_, value gjson.Result) bool {
			out = collectAmounts(value, out)
			return true
		})
	}
	return out
}

func lowest(amounts []decimal.Decimal) (decimal.Decimal, bool) {
	if len(amounts) == 0 {
		return decimal.Zero, false
	}
	best := amounts[0]
	for _, d := range amounts[1:] {
		if d.LessThan(best) {
			best = d
		}
	}
	return best, true
}

// parseAmount accepts Polish formatted amounts such as "1 299,99 zł".
func parseAmount(raw string) (decimal.Decimal, bool) {
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" {
		return decimal.Zero, false
	}
	if sep := strings.LastIndexAny(s, ".,"); sep >= 0 {
		intPart := strings.NewReplacer(".", "", ",", "").Replace(s[:sep])
		s = intPart + "." + s[sep+1:]
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}

func extractSoldCount(text string) *int {
	for _, re := range soldRegexes {
		if m := re.FindStringSubmatch(text); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				return &n
			}
		}
	}
	return nil
}
