// Package analyzer contains a static analysis pass that flags common sources
// of non-determinism in workflow functions. Workflow functions are replayed,
// so everything besides step results has to be deterministic.
package analyzer

import (
	"go/ast"
	"go/types"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"
)

func New() *analysis.Analyzer {
	return &analysis.Analyzer{
		Name:     "stepflow",
		Doc:      "Checks for common errors when writing workflow functions",
		Run:      run,
		Requires: []*analysis.Analyzer{inspect.Analyzer},
	}
}

var Analyzer = New()

func run(pass *analysis.Pass) (interface{}, error) {
	inspector := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)

	nodeFilter := []ast.Node{(*ast.FuncDecl)(nil)}

	inspector.Preorder(nodeFilter, func(node ast.Node) {
		funcDecl := node.(*ast.FuncDecl)

		if !isWorkflow(funcDecl) {
			return
		}

		// Check return types
		if funcDecl.Type.Results == nil || len(funcDecl.Type.Results.List) == 0 {
			pass.Reportf(funcDecl.Pos(), "workflow %q doesn't return anything. needs to return at least `error`", funcDecl.Name.Name)
		} else {
			if len(funcDecl.Type.Results.List) > 2 {
				pass.Reportf(funcDecl.Pos(), "workflow %q returns more than two values", funcDecl.Name.Name)
				return
			}

			lastResult := funcDecl.Type.Results.List[len(funcDecl.Type.Results.List)-1]
			if types.ExprString(lastResult.Type) != "error" {
				pass.Reportf(funcDecl.Pos(), "workflow %q doesn't return `error` as last return value", funcDecl.Name.Name)
			}
		}

		checkBody(pass, funcDecl.Body)
	})

	return nil, nil
}

func checkBody(pass *analysis.Pass, body *ast.BlockStmt) {
	ast.Inspect(body, func(node ast.Node) bool {
		switch node := node.(type) {
		// Check for map iterations
		case *ast.RangeStmt:
			t := pass.TypesInfo.TypeOf(node.X)
			if t == nil {
				return true
			}

			if _, ok := t.(*types.Map); !ok {
				return true
			}

			pass.Reportf(node.Pos(), "iterating over a map is not deterministic and not allowed in workflow functions")

		// Check for `go` statements
		case *ast.GoStmt:
			pass.Reportf(node.Pos(), "spawning goroutines in workflow functions breaks deterministic replay")

		case *ast.CallExpr:
			sel, ok := node.Fun.(*ast.SelectorExpr)
			if !ok {
				return true
			}

			pkg, ok := sel.X.(*ast.Ident)
			if !ok {
				return true
			}

			switch {
			case pkg.Name == "time" && sel.Sel.Name == "Now":
				pass.Reportf(node.Pos(), "time.Now is not deterministic, use a step or workflow.Sleep instead")
			case pkg.Name == "time" && sel.Sel.Name == "Sleep":
				pass.Reportf(node.Pos(), "time.Sleep blocks replay, use workflow.Sleep instead")
			case pkg.Name == "rand":
				pass.Reportf(node.Pos(), "random values are not deterministic, produce them in a step instead")
			}
		}

		return true
	})
}

func isWorkflow(funcDecl *ast.FuncDecl) bool {
	params := funcDecl.Type.Params.List

	// Need at least *workflow.Context
	if len(params) < 1 {
		return false
	}

	star, ok := params[0].Type.(*ast.StarExpr)
	if !ok {
		return false
	}

	firstParam, ok := star.X.(*ast.SelectorExpr)
	if !ok {
		return false
	}

	xname, ok := firstParam.X.(*ast.Ident)
	if !ok {
		return false
	}

	selname := firstParam.Sel.Name
	if xname.Name+"."+selname != "workflow.Context" {
		return false
	}

	return true
}
