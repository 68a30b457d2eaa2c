package query

import (
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
	"testing"
)

// TestStoreInterfaceIsReadOnly guards the query service from growing a
// mutating dependency on the state store. Every method named on the Store
// interface in query.go must start with Get, List or Read, so the
// queries-never-mutate rule is enforced at the source level instead of
// only by convention.
func TestStoreInterfaceIsReadOnly(t *testing.T) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "query.go", nil, 0)
	if err != nil {
		t.Fatalf("parse query.go: %v", err)
	}

	var checked int
	ast.Inspect(file, func(n ast.Node) bool {
		typeSpec, ok := n.(*ast.TypeSpec)
		if !ok || typeSpec.Name.Name != "Store" {
			return true
		}
		iface, ok := typeSpec.Type.(*ast.InterfaceType)
		if !ok {
			return true
		}
		for _, method := range iface.Methods.List {
			for _, name := range method.Names {
				checked++
				if !hasReadOnlyPrefix(name.Name) {
					t.Errorf("Store interface method %q does not start with Get/List/Read", name.Name)
				}
			}
		}
		return true
	})

	if checked == 0 {
		t.Fatal("no Store interface methods found to check; guardrail is not exercising anything")
	}
}

func hasReadOnlyPrefix(name string) bool {
	for _, prefix := range []string{"Get", "List", "Read"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
