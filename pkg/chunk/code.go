// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package chunk

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/kraklabs/kie/pkg/model"
)

// decl is one declaration-boundary unit discovered by an AST walk, carried
// as plain data so the recursion-into-body step and doc-comment attachment
// in emitDecl are shared across languages.
type decl struct {
	content   string
	startLine int
	endLine   int
	sym       model.Symbol
	// body, when non-empty, is the inner statement block considered for
	// recursive splitting when content exceeds MaxChars.
	body      string
	bodyStart int
}

// chunkCode dispatches to the tree-sitter walk for lang. ok is false when
// lang has no grammar wired here or the parse genuinely failed, signaling
// the caller to fall back to the prose path.
func chunkCode(in Input, lang string) ([]model.Chunk, bool) {
	switch lang {
	case "go":
		return chunkGo(in)
	case "typescript", "tsx":
		return chunkTypeScript(in)
	case "protobuf", "proto":
		return chunkProtobuf(in)
	default:
		return nil, false
	}
}

// --- Go -----------------------------------------------------------------

func chunkGo(in Input) ([]model.Chunk, bool) {
	source := []byte(in.Content)
	parser := sitter.NewParser()
	parser.SetLanguage(golang.GetLanguage())
	tree, err := parser.ParseCtx(context.Background(), nil, source)
	if err != nil {
		return nil, false
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, false
	}

	var decls []decl
	for i := 0; i < int(root.ChildCount()); i++ {
		node := root.Child(i)
		if node == nil {
			continue
		}
		switch node.Type() {
		case "function_declaration":
			decls = append(decls, goFunctionDecl(node, source, ""))
		case "method_declaration":
			decls = append(decls, goMethodDecl(node, source))
		case "type_declaration":
			decls = append(decls, goTypeDecls(node, source)...)
		}
	}
	if len(decls) == 0 {
		return nil, false
	}
	return emitDecls(in, "go", decls), true
}

func goFunctionDecl(node *sitter.Node, source []byte, receiver string) decl {
	name := ""
	if nameNode := node.ChildByFieldName("name"); nameNode != nil {
		name = nameNode.Content(source)
	}
	kind := model.SymbolFunction
	if receiver != "" {
		kind = model.SymbolMethod
	}
	start, end := declRange(node, source)
	body := ""
	bodyStart := 0
	if b := node.ChildByFieldName("body"); b != nil {
		body = b.Content(source)
		bodyStart = int(b.StartPoint().Row) + 1
	}
	return decl{
		content:   declContentWithDoc(node, source),
		startLine: start,
		endLine:   end,
		sym: model.Symbol{
			Name:      name,
			Kind:      kind,
			Signature: goSignature(node, source),
			Parent:    receiver,
			Docstring: leadingDocComment(node, source),
		},
		body:      body,
		bodyStart: bodyStart,
	}
}

func goMethodDecl(node *sitter.Node, source []byte) decl {
	receiver := ""
	if r := node.ChildByFieldName("receiver"); r != nil {
		receiver = goReceiverType(r, source)
	}
	return goFunctionDecl(node, source, receiver)
}

// goReceiverType pulls the bare type name out of a method receiver,
// stripping the pointer marker: "(s *Server)" -> "Server".
func goReceiverType(receiver *sitter.Node, source []byte) string {
	text := receiver.Content(source)
	text = strings.Trim(text, "()")
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	t := fields[len(fields)-1]
	return strings.TrimPrefix(t, "*")
}

// goSignature returns everything up to the opening brace of the body: the
// func keyword, receiver, name, params, and return type.
func goSignature(node *sitter.Node, source []byte) string {
	full := node.Content(source)
	if idx := strings.IndexByte(full, '{'); idx >= 0 {
		return strings.TrimSpace(full[:idx])
	}
	return strings.TrimSpace(full)
}

// goTypeDecls expands a type_declaration (which may define multiple specs
// in a parenthesized group) into one decl per type_spec, classifying struct
// vs interface vs other. Each decl carries the whole declaration's text and
// line range.
func goTypeDecls(node *sitter.Node, source []byte) []decl {
	var out []decl
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child == nil || child.Type() != "type_spec" {
			continue
		}
		name := ""
		if n := child.ChildByFieldName("name"); n != nil {
			name = n.Content(source)
		}
		kind := model.SymbolOther
		if typeNode := child.ChildByFieldName("type"); typeNode != nil {
			switch typeNode.Type() {
			case "struct_type":
				kind = model.SymbolClass
			case "interface_type":
				kind = model.SymbolInterface
			}
		}
		start, end := declRange(node, source)
		out = append(out, decl{
			content: declContentWithDoc(node, source),
			startLine: start,
			endLine:   end,
			sym: model.Symbol{
				Name:      name,
				Kind:      kind,
				Signature: strings.TrimSpace(firstLine(node.Content(source))),
				Docstring: leadingDocComment(node, source),
			},
		})
	}
	return out
}

// --- TypeScript -----------------------------------------------------------

func chunkTypeScript(in Input) ([]model.Chunk, bool) {
	source := []byte(in.Content)
	parser := sitter.NewParser()
	parser.SetLanguage(typescript.GetLanguage())
	tree, err := parser.ParseCtx(context.Background(), nil, source)
	if err != nil {
		return nil, false
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, false
	}

	var decls []decl
	walkTypeScript(root, source, "", &decls)
	if len(decls) == 0 {
		return nil, false
	}
	return emitDecls(in, "typescript", decls), true
}

func walkTypeScript(node *sitter.Node, source []byte, parent string, decls *[]decl) {
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child == nil {
			continue
		}
		switch child.Type() {
		case "function_declaration":
			*decls = append(*decls, tsDecl(child, source, "", model.SymbolFunction))
		case "class_declaration":
			name := tsName(child, source)
			*decls = append(*decls, tsDecl(child, source, "", model.SymbolClass))
			if body := child.ChildByFieldName("body"); body != nil {
				for j := 0; j < int(body.ChildCount()); j++ {
					member := body.Child(j)
					if member != nil && member.Type() == "method_definition" {
						*decls = append(*decls, tsDecl(member, source, name, model.SymbolMethod))
					}
				}
			}
		case "interface_declaration":
			*decls = append(*decls, tsDecl(child, source, "", model.SymbolInterface))
		default:
			// Recurse so top-level `export` wrappers don't hide declarations.
			if child.ChildCount() > 0 && parent == "" {
				walkTypeScript(child, source, parent, decls)
			}
		}
	}
}

func tsName(node *sitter.Node, source []byte) string {
	if n := node.ChildByFieldName("name"); n != nil {
		return n.Content(source)
	}
	return ""
}

func tsDecl(node *sitter.Node, source []byte, parent string, kind model.SymbolKind) decl {
	start, end := declRange(node, source)
	body := ""
	bodyStart := 0
	if b := node.ChildByFieldName("body"); b != nil {
		body = b.Content(source)
		bodyStart = int(b.StartPoint().Row) + 1
	}
	full := node.Content(source)
	signature := full
	if idx := strings.IndexByte(full, '{'); idx >= 0 {
		signature = full[:idx]
	}
	return decl{
		content:   declContentWithDoc(node, source),
		startLine: start,
		endLine:   end,
		sym: model.Symbol{
			Name:      tsName(node, source),
			Kind:      kind,
			Signature: strings.TrimSpace(signature),
			Parent:    parent,
			Docstring: leadingDocComment(node, source),
		},
		body:      body,
		bodyStart: bodyStart,
	}
}

// --- shared AST helpers ----------------------------------------------------

func declRange(node *sitter.Node, source []byte) (start, end int) {
	start = int(node.StartPoint().Row) + 1
	end = int(node.EndPoint().Row) + 1
	if prev := leadingCommentNode(node); prev != nil {
		start = int(prev.StartPoint().Row) + 1
	}
	_ = source
	return start, end
}

// leadingCommentNode returns the immediately preceding sibling comment node,
// if contiguous (no blank line between comment and declaration).
func leadingCommentNode(node *sitter.Node) *sitter.Node {
	prev := node.PrevSibling()
	if prev == nil || prev.Type() != "comment" {
		return nil
	}
	if int(node.StartPoint().Row)-int(prev.EndPoint().Row) > 1 {
		return nil
	}
	return prev
}

func leadingDocComment(node *sitter.Node, source []byte) string {
	prev := leadingCommentNode(node)
	if prev == nil {
		return ""
	}
	return strings.TrimSpace(stripCommentMarkers(prev.Content(source)))
}

// declContentWithDoc returns the declaration's source text, prefixed with its
// leading doc comment (if contiguous) exactly as it appears in source.
func declContentWithDoc(node *sitter.Node, source []byte) string {
	if prev := leadingCommentNode(node); prev != nil {
		return string(source[prev.StartByte():node.EndByte()])
	}
	return node.Content(source)
}

func stripCommentMarkers(c string) string {
	lines := strings.Split(c, "\n")
	var out []string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		l = strings.TrimPrefix(l, "///")
		l = strings.TrimPrefix(l, "//")
		l = strings.TrimPrefix(l, "/**")
		l = strings.TrimPrefix(l, "/*")
		l = strings.TrimSuffix(l, "*/")
		l = strings.TrimPrefix(l, "*")
		out = append(out, strings.TrimSpace(l))
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// emitDecls converts each decl into one or more chunks, recursing into the
// body at statement granularity when the declaration exceeds MaxChars
//.
func emitDecls(in Input, lang string, decls []decl) []model.Chunk {
	var out []model.Chunk
	for _, d := range decls {
		if len(d.content) <= MaxChars || d.body == "" {
			sym := d.sym
			out = append(out, newChunk(in, d.content, d.startLine, d.endLine, lang, &sym))
			continue
		}
		// Oversized: split the body at statement (line-group) granularity
		// and keep the symbol metadata attached to each resulting piece,
		// with Parent set to the enclosing declaration's name.
		parent := d.sym.Name
		if d.sym.Parent != "" {
			parent = d.sym.Parent + "." + d.sym.Name
		}
		pieces := splitLinesByBudget(d.body, d.bodyStart)
		for _, p := range pieces {
			sym := model.Symbol{
				Name:      d.sym.Name,
				Kind:      d.sym.Kind,
				Signature: d.sym.Signature,
				Parent:    parent,
				Docstring: d.sym.Docstring,
			}
			out = append(out, newChunk(in, p.text, p.startLine, p.endLine, lang, &sym))
		}
	}
	return out
}

type linePiece struct {
	text      string
	startLine int
	endLine   int
}

// splitLinesByBudget groups consecutive lines of body (whose first line is
// at absolute line number startLine) into pieces filled up to MaxChars; a
// single line longer than MaxChars becomes a piece of its own.
func splitLinesByBudget(body string, startLine int) []linePiece {
	lines := strings.Split(body, "\n")
	var pieces []linePiece
	var cur []string
	curStart := startLine
	size := 0
	flush := func(endLine int) {
		if len(cur) == 0 {
			return
		}
		pieces = append(pieces, linePiece{text: strings.Join(cur, "\n"), startLine: curStart, endLine: endLine})
		cur = nil
		size = 0
	}
	for i, l := range lines {
		lineNo := startLine + i
		if size > 0 && size+len(l) > MaxChars {
			flush(startLine + i - 1)
			curStart = lineNo
		}
		cur = append(cur, l)
		size += len(l) + 1
	}
	flush(startLine + len(lines) - 1)
	return pieces
}

// --- Protobuf (no tree-sitter grammar bundled; line-oriented) -------------

func chunkProtobuf(in Input) ([]model.Chunk, bool) {
	lines := strings.Split(in.Content, "\n")
	var decls []decl
	var currentService string
	var serviceStart int
	var serviceLines []string
	depth := 0

	flushService := func(endLine int) {
		if currentService == "" {
			return
		}
		decls = append(decls, decl{
			content:   strings.Join(serviceLines, "\n"),
			startLine: serviceStart,
			endLine:   endLine,
			sym: model.Symbol{
				Name: currentService,
				Kind: model.SymbolInterface,
			},
		})
		currentService = ""
		serviceLines = nil
	}

	for i, line := range lines {
		lineNo := i + 1
		trimmed := strings.TrimSpace(line)
		if currentService != "" {
			serviceLines = append(serviceLines, line)
			depth += strings.Count(line, "{") - strings.Count(line, "}")
			if depth <= 0 {
				flushService(lineNo)
			}
			continue
		}
		if strings.HasPrefix(trimmed, "service ") {
			fields := strings.Fields(trimmed)
			if len(fields) >= 2 {
				currentService = fields[1]
				serviceStart = lineNo
				serviceLines = []string{line}
				depth = strings.Count(line, "{") - strings.Count(line, "}")
				if depth <= 0 {
					flushService(lineNo)
				}
			}
		} else if strings.HasPrefix(trimmed, "message ") {
			fields := strings.Fields(trimmed)
			if len(fields) >= 2 {
				name := fields[1]
				end := lineNo
				d := strings.Count(line, "{") - strings.Count(line, "}")
				j := i
				for d > 0 && j+1 < len(lines) {
					j++
					d += strings.Count(lines[j], "{") - strings.Count(lines[j], "}")
					end = j + 1
				}
				decls = append(decls, decl{
					content:   strings.Join(lines[i:end], "\n"),
					startLine: lineNo,
					endLine:   end,
					sym:       model.Symbol{Name: name, Kind: model.SymbolClass},
				})
			}
		}
	}
	if len(decls) == 0 {
		return nil, false
	}
	return emitDecls(in, "protobuf", decls), true
}
