package chunk

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// grammar pairs a tree-sitter language with the node-type → chunk Type
// mapping used to recognize top-level symbols in it.
type grammar struct {
	lang      *sitter.Language
	nodeTypes map[string]Type
}

// astRules extracts chunks by walking a tree-sitter parse tree and cutting
// one chunk per matched top-level node (function/method/class/interface).
// A chunk's content is the full source lines the node spans, line endings
// included.
type astRules struct{}

var astGrammars = map[string]grammar{
	"go": {
		lang: golang.GetLanguage(),
		nodeTypes: map[string]Type{
			"function_declaration": TypeFunction,
			"method_declaration":   TypeMethod,
			"type_declaration":     TypeInterface,
		},
	},
	"javascript": {
		lang: javascript.GetLanguage(),
		nodeTypes: map[string]Type{
			"function_declaration": TypeFunction,
			"method_definition":    TypeMethod,
			"class_declaration":    TypeClass,
		},
	},
	"jsx": {
		lang: javascript.GetLanguage(),
		nodeTypes: map[string]Type{
			"function_declaration": TypeFunction,
			"method_definition":    TypeMethod,
			"class_declaration":    TypeClass,
		},
	},
	"typescript": {
		lang: typescript.GetLanguage(),
		nodeTypes: map[string]Type{
			"function_declaration":   TypeFunction,
			"method_definition":      TypeMethod,
			"class_declaration":      TypeClass,
			"interface_declaration":  TypeInterface,
			"type_alias_declaration": TypeInterface,
		},
	},
	"tsx": {
		lang: tsx.GetLanguage(),
		nodeTypes: map[string]Type{
			"function_declaration":  TypeFunction,
			"method_definition":     TypeMethod,
			"class_declaration":     TypeClass,
			"interface_declaration": TypeInterface,
		},
	},
	"python": {
		lang: python.GetLanguage(),
		nodeTypes: map[string]Type{
			"function_definition": TypeFunction,
			"class_definition":    TypeClass,
		},
	},
}

func (astRules) Supports(language string) bool {
	_, ok := astGrammars[language]
	return ok
}

func (astRules) Extract(language string, source []byte) []Chunk {
	g, ok := astGrammars[language]
	if !ok {
		return nil
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(g.lang)

	tree, err := parser.ParseCtx(context.Background(), nil, source)
	if err != nil || tree == nil {
		return nil
	}
	defer tree.Close()

	lines := splitLinesKeepEnds(string(source))
	var chunks []Chunk
	walk(tree.RootNode(), func(n *sitter.Node) bool {
		chunkType, isSymbol := g.nodeTypes[n.Type()]
		if !isSymbol {
			return true
		}

		startLine := int(n.StartPoint().Row) + 1
		endLine := min(int(n.EndPoint().Row)+1, len(lines))
		content := strings.Join(lines[startLine-1:endLine], "")
		if strings.TrimSpace(content) == "" {
			return true
		}

		chunks = append(chunks, Chunk{
			Content:   content,
			StartLine: startLine,
			EndLine:   endLine,
			Type:      chunkType,
		})
		// Don't descend into a matched node's children — methods inside a
		// class are already covered by the class's own chunk boundary, and
		// descending would produce overlapping chunks.
		return false
	})

	return chunks
}

// walk traverses the tree depth-first, calling visit for each node. If
// visit returns false, that node's children are not visited.
func walk(n *sitter.Node, visit func(*sitter.Node) bool) {
	if n == nil {
		return
	}
	if !visit(n) {
		return
	}
	for i := range int(n.ChildCount()) {
		walk(n.Child(i), visit)
	}
}
