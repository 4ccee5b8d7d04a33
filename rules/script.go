package rules

import (
	"fmt"

	lua "github.com/Shopify/go-lua"
	"github.com/Shopify/goluago/util"
)

// evalScript evaluates a Lua boolean expression against subj. It exposes
// method, url, host, path and status as globals, a headers table, and a
// header(name) function for single lookups — the same shape of Go<->Lua
// value exposure the teacher's extension libraries use, narrowed down to
// exactly what a rule predicate needs.
func evalScript(expr string, subj Subject) (bool, error) {
	l := lua.NewState()
	lua.OpenLibraries(l)

	l.PushString(subj.Method)
	l.SetGlobal("method")
	l.PushString(subj.URL)
	l.SetGlobal("url")
	l.PushString(subj.Host)
	l.SetGlobal("host")
	l.PushString(subj.Path)
	l.SetGlobal("path")
	l.PushInteger(subj.Status)
	l.SetGlobal("status")

	// headers exposes the full header set as a Lua table (name -> first
	// value), the same util.DeepPush bridge the teacher's extension
	// libraries use to hand Go maps to Lua, for scripts that want to
	// range over every header instead of looking one up by name.
	headerTable := make(map[string]string, len(subj.Header))
	for name := range subj.Header {
		headerTable[name] = subj.Header.Get(name)
	}
	util.DeepPush(l, headerTable)
	l.SetGlobal("headers")

	l.Register("header", func(l *lua.State) int {
		name, _ := l.ToString(1)
		var value string
		if subj.Header != nil {
			value = subj.Header.Get(name)
		}
		l.PushString(value)
		return 1
	})

	if err := lua.DoString(l, "return ("+expr+")"); err != nil {
		return false, fmt.Errorf("evaluating script predicate: %w", err)
	}
	result := l.ToBoolean(-1)
	l.Pop(1)
	return result, nil
}
