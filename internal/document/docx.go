package document

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
)

// OOXML namespaces.
const (
	wordNS    = "http://schemas.openxmlformats.org/wordprocessingml/2006/main"
	relNS     = "http://schemas.openxmlformats.org/officeDocument/2006/relationships"
	drawingNS = "http://schemas.openxmlformats.org/drawingml/2006/main"
)

const (
	documentPart = "word/document.xml"
	relsPart     = "word/_rels/document.xml.rels"

	// maxPartBytes caps a single decompressed zip entry.
	maxPartBytes = 64 << 20
)

var errMissingDocumentPart = errors.New("docx has no " + documentPart)

// DocxConverter renders a .docx body as markup. Numbered paragraphs become
// <ol><li> items, a new list starting whenever the numbering id changes or a
// plain paragraph intervenes. Bold runs become <strong>, other paragraphs
// <p>, and embedded images inline data-URI <img> tags.
type DocxConverter struct{}

// Convert implements Converter.
func (DocxConverter) Convert(ctx context.Context, data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}

	parts := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		parts[f.Name] = f
	}

	docFile, ok := parts[documentPart]
	if !ok {
		return "", errMissingDocumentPart
	}

	rels := map[string]string{}
	if relFile, ok := parts[relsPart]; ok {
		if rels, err = readRelationships(relFile); err != nil {
			return "", err
		}
	}

	rc, err := docFile.Open()
	if err != nil {
		return "", fmt.Errorf("open %s: %w", documentPart, err)
	}
	defer rc.Close()

	r := &docxRenderer{
		ctx:   ctx,
		parts: parts,
		rels:  rels,
	}
	if err := r.render(io.LimitReader(rc, maxPartBytes)); err != nil {
		return "", err
	}
	return r.out.String(), nil
}

func readRelationships(f *zip.File) (map[string]string, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", relsPart, err)
	}
	defer rc.Close()

	var doc struct {
		Relationships []struct {
			ID     string `xml:"Id,attr"`
			Target string `xml:"Target,attr"`
		} `xml:"Relationship"`
	}
	if err := xml.NewDecoder(io.LimitReader(rc, maxPartBytes)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", relsPart, err)
	}

	rels := make(map[string]string, len(doc.Relationships))
	for _, rel := range doc.Relationships {
		rels[rel.ID] = rel.Target
	}
	return rels, nil
}

// docxRenderer streams document.xml and writes markup to out.
type docxRenderer struct {
	ctx   context.Context
	parts map[string]*zip.File
	rels  map[string]string
	out   strings.Builder

	// Paragraph state.
	para  strings.Builder
	numID string
	inPPr bool
	inRun bool
	inRPr bool
	bold  bool

	// List state.
	listOpen bool
	listNum  string
}

func (r *docxRenderer) render(src io.Reader) error {
	dec := xml.NewDecoder(src)
	for {
		if err := r.ctx.Err(); err != nil {
			return err
		}

		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("parse %s: %w", documentPart, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if err := r.start(dec, t); err != nil {
				return err
			}
		case xml.EndElement:
			r.end(t)
		}
	}
	r.closeList()
	return nil
}

func (r *docxRenderer) start(dec *xml.Decoder, t xml.StartElement) error {
	if t.Name.Space == drawingNS && t.Name.Local == "blip" {
		return r.image(attr(t, relNS, "embed"))
	}
	if t.Name.Space != wordNS {
		return nil
	}

	switch t.Name.Local {
	case "p":
		r.para.Reset()
		r.numID = ""
	case "pPr":
		r.inPPr = true
	case "numId":
		if r.inPPr {
			r.numID = attr(t, wordNS, "val")
		}
	case "r":
		r.inRun = true
		r.bold = false
	case "rPr":
		r.inRPr = true
	case "b":
		if r.inRun && r.inRPr {
			v := attr(t, wordNS, "val")
			r.bold = v != "0" && v != "false"
		}
	case "t":
		var text string
		if err := dec.DecodeElement(&text, &t); err != nil {
			return fmt.Errorf("parse %s: %w", documentPart, err)
		}
		r.writeText(text)
	case "tab":
		if r.inRun {
			r.writeText(" ")
		}
	case "br":
		if r.inRun {
			r.para.WriteString("<br />")
		}
	}
	return nil
}

func (r *docxRenderer) end(t xml.EndElement) {
	if t.Name.Space != wordNS {
		return
	}
	switch t.Name.Local {
	case "pPr":
		r.inPPr = false
	case "rPr":
		r.inRPr = false
	case "r":
		r.inRun = false
		r.bold = false
	case "p":
		r.flushParagraph()
	}
}

func (r *docxRenderer) writeText(text string) {
	escaped := html.EscapeString(text)
	if r.bold {
		r.para.WriteString("<strong>" + escaped + "</strong>")
		return
	}
	r.para.WriteString(escaped)
}

func (r *docxRenderer) image(relID string) error {
	target, ok := r.rels[relID]
	if !ok {
		return nil
	}
	name := path.Clean(path.Join("word", target))
	f, ok := r.parts[name]
	if !ok {
		return nil
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxPartBytes))
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}

	mimeType := mime.TypeByExtension(strings.ToLower(path.Ext(name)))
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = http.DetectContentType(data)
	}
	fmt.Fprintf(&r.para, `<img src="data:%s;base64,%s" />`, mimeType, base64.StdEncoding.EncodeToString(data))
	return nil
}

func (r *docxRenderer) flushParagraph() {
	content := r.para.String()
	r.para.Reset()

	if r.numID != "" && r.numID != "0" {
		if !r.listOpen || r.listNum != r.numID {
			r.closeList()
			r.out.WriteString("<ol>")
			r.listOpen = true
			r.listNum = r.numID
		}
		r.out.WriteString("<li>" + content + "</li>")
		return
	}

	r.closeList()
	if strings.TrimSpace(content) != "" {
		r.out.WriteString("<p>" + content + "</p>")
	}
}

func (r *docxRenderer) closeList() {
	if r.listOpen {
		r.out.WriteString("</ol>")
		r.listOpen = false
		r.listNum = ""
	}
}

func attr(t xml.StartElement, space, local string) string {
	for _, a := range t.Attr {
		if a.Name.Local == local && (a.Name.Space == space || a.Name.Space == "") {
			return a.Value
		}
	}
	return ""
}
