package ocr

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"strings"

	"code.sajari.com/docconv"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// PlainEngine extracts embedded text without recognition. It is always the
// last link of a fallback chain.
type PlainEngine struct {
	useReadability bool
}

func NewPlainEngine(useReadability bool) *PlainEngine {
	return &PlainEngine{useReadability: useReadability}
}

func (e *PlainEngine) Name() string { return EnginePlain }

func (e *PlainEngine) Health(ctx context.Context) error { return ctx.Err() }

func (e *PlainEngine) Process(ctx context.Context, in Request) (*Result, error) {
	if len(in.FileBytes) == 0 {
		return nil, ErrEmptyDocument
	}
	contentType := ResolveContentType(in.ContentType, in.Filename)

	var (
		body string
		meta = map[string]any{"content_type": contentType}
	)
	if isHTML(contentType) {
		text, title, err := htmlText(in.FileBytes, e.useReadability)
		if err != nil {
			return nil, fmt.Errorf("html %s: %w", in.Filename, err)
		}
		body = text
		if title != "" {
			meta["title"] = title
		}
	} else {
		res, err := docconv.Convert(bytes.NewReader(in.FileBytes), contentType, e.useReadability)
		if err != nil {
			return nil, fmt.Errorf("docconv %s: %w", contentType, err)
		}
		body = res.Body
		for k, v := range res.Meta {
			meta[k] = v
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("docconv %s: no text extracted", contentType)
	}
	return &Result{Success: true, Text: body, Metadata: meta}, nil
}

var droppedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Noembed:  true,
	atom.Noframes: true,
}

func isHTML(contentType string) bool {
	return contentType == "text/html" || contentType == "application/xhtml+xml"
}

// htmlText parses the page with the HTML5 parser, drops non-content
// elements and renders balanced markup for docconv, so no external tidy
// binary is needed.
func htmlText(data []byte, readability bool) (text, title string, err error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", "", err
	}
	title = stripNonContent(doc)

	var clean bytes.Buffer
	if err := html.Render(&clean, doc); err != nil {
		return "", "", err
	}
	if readability {
		return string(docconv.HTMLReadability(bytes.NewReader(clean.Bytes()))), title, nil
	}
	return docconv.HTMLToText(bytes.NewReader(clean.Bytes())), title, nil
}

// stripNonContent removes scripts, styles and comments in place and
// returns the document title.
func stripNonContent(n *html.Node) string {
	var title string
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		switch {
		case c.Type == html.CommentNode:
			n.RemoveChild(c)
		case c.Type == html.ElementNode && droppedElements[c.DataAtom]:
			n.RemoveChild(c)
		case c.Type == html.ElementNode && c.DataAtom == atom.Title:
			if c.FirstChild != nil && title == "" {
				title = strings.TrimSpace(c.FirstChild.Data)
			}
			n.RemoveChild(c)
		default:
			if t := stripNonContent(c); title == "" {
				title = t
			}
		}
		c = next
	}
	return title
}

// ResolveContentType strips parameters and falls back to the filename
// extension when the declared type is missing or generic.
func ResolveContentType(declared, filename string) string {
	if mt, _, err := mime.ParseMediaType(declared); err == nil && mt != "application/octet-stream" {
		return mt
	}
	return docconv.MimeTypeByExtension(filename)
}
