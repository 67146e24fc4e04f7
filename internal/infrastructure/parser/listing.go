package parser

import (
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	rowSelector   = "table tbody tr"
	errorSelector = ".alert-danger, .error, .errore, .form-error"
)

var idExpr = regexp.MustCompile(`[?&]id=(\d+)`)

// Parse reads an HTML page into a goquery document.
func Parse(r io.Reader) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return doc, nil
}

// ListingFragments returns the raw markup of every record row, in page order.
func ListingFragments(doc *goquery.Document) ([]string, error) {
	var (
		fragments []string
		err       error
	)
	doc.Find(rowSelector).EachWithBreak(func(_ int, row *goquery.Selection) bool {
		if row.Find("th").Length() > 0 {
			return true
		}
		var html string
		html, err = goquery.OuterHtml(row)
		if err != nil {
			return false
		}
		fragments = append(fragments, strings.TrimSpace(html))
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("render listing row: %w", err)
	}
	return fragments, nil
}

// FragmentID extracts the server-assigned identifier carried by one listing fragment.
func FragmentID(fragment string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<table><tbody>" + fragment + "</tbody></table>"))
	if err != nil {
		return "", fmt.Errorf("parse fragment: %w", err)
	}

	root := doc.Find("tr").First()
	if id, ok := root.Attr("data-id"); ok && strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id), nil
	}
	if id, ok := doc.Find("[data-id]").First().Attr("data-id"); ok && strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id), nil
	}

	var id string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		if m := idExpr.FindStringSubmatch(href); m != nil {
			id = m[1]
			return false
		}
		return true
	})
	if id == "" {
		return "", fmt.Errorf("no identifier in fragment %.80q", fragment)
	}
	return id, nil
}

// FragmentIDs maps fragments to identifiers, keeping order. Fragments without one are skipped.
func FragmentIDs(fragments []string) []string {
	ids := make([]string, 0, len(fragments))
	for _, f := range fragments {
		if id, err := FragmentID(f); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// LinkByText returns the href of the first anchor whose text matches label, case-insensitively.
func LinkByText(doc *goquery.Document, label string) (string, bool) {
	var href string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if strings.EqualFold(strings.TrimSpace(a.Text()), label) {
			href, _ = a.Attr("href")
			return false
		}
		return true
	})
	return href, href != ""
}

// Action describes an action anchor on a listing row.
type Action struct {
	Href    string
	Pending bool
}

// FindAction locates the action anchor of kind for the row carrying id.
// Pending anchors are rendered with the "yellow" class; applied ones are not.
func FindAction(doc *goquery.Document, id, kind string) (Action, bool) {
	var (
		action Action
		found  bool
	)
	doc.Find(rowSelector).EachWithBreak(func(_ int, row *goquery.Selection) bool {
		html, err := goquery.OuterHtml(row)
		if err != nil {
			return true
		}
		if rowID, err := FragmentID(html); err != nil || rowID != id {
			return true
		}
		a := row.Find(fmt.Sprintf(`a[data-action=%q]`, kind)).First()
		if a.Length() == 0 {
			return false
		}
		action.Href, _ = a.Attr("href")
		action.Pending = a.HasClass("yellow")
		found = true
		return false
	})
	return action, found
}

// FormErrors returns the validation messages rendered by the CMS after a rejected submission.
func FormErrors(doc *goquery.Document) []string {
	var messages []string
	doc.Find(errorSelector).Each(func(_ int, s *goquery.Selection) {
		if text := strings.Join(strings.Fields(s.Text()), " "); text != "" {
			messages = append(messages, text)
		}
	})
	return messages
}

// HasLoginForm reports whether the page still shows the login inputs.
func HasLoginForm(doc *goquery.Document) bool {
	return doc.Find("input#user").Length() > 0 && doc.Find("input#pwd").Length() > 0
}

// Form is the submittable state of the first form on a page.
type Form struct {
	Action  string
	Method  string
	Enctype string
	Values  url.Values
}

// Multipart reports whether the form must be posted as multipart/form-data.
func (f Form) Multipart() bool {
	return strings.EqualFold(f.Enctype, "multipart/form-data")
}

// ReadForm collects the action and pre-filled values of the form matching selector.
func ReadForm(doc *goquery.Document, selector string) (Form, bool) {
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return Form{}, false
	}

	form := Form{Values: url.Values{}}
	form.Action, _ = sel.Attr("action")
	form.Method = strings.ToUpper(strings.TrimSpace(sel.AttrOr("method", "POST")))
	form.Enctype = strings.TrimSpace(sel.AttrOr("enctype", "application/x-www-form-urlencoded"))

	sel.Find("input[name]").Each(func(_ int, in *goquery.Selection) {
		name, _ := in.Attr("name")
		switch strings.ToLower(in.AttrOr("type", "text")) {
		case "submit", "button", "file", "image":
			return
		case "checkbox", "radio":
			if _, checked := in.Attr("checked"); !checked {
				return
			}
		}
		form.Values.Add(name, in.AttrOr("value", ""))
	})
	sel.Find("select[name]").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		if v, ok := s.Find("option[selected]").First().Attr("value"); ok {
			form.Values.Set(name, v)
		}
	})
	sel.Find("textarea[name]").Each(func(_ int, ta *goquery.Selection) {
		name, _ := ta.Attr("name")
		form.Values.Set(name, ta.Text())
	})
	return form, true
}
