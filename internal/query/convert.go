package query

import (
	"fmt"
	"math"

	"github.com/Shopify/go-lua"
)

// toGo converts the value at index into a JSON-friendly Go value.
// Functions, userdata and threads become nil.
func toGo(L *lua.State, index, depth int) any {
	switch L.TypeOf(index) {
	case lua.TypeBoolean:
		return L.ToBoolean(index)
	case lua.TypeNumber:
		return numberToGo(L, index)
	case lua.TypeString:
		s, _ := L.ToString(index)
		return s
	case lua.TypeTable:
		if depth >= maxConvertDepth {
			return nil
		}
		return tableToGo(L, L.AbsIndex(index), depth+1)
	default:
		return nil
	}
}

func numberToGo(L *lua.State, index int) any {
	num, _ := L.ToNumber(index)
	if math.IsInf(num, 0) || math.IsNaN(num) {
		return nil
	}
	if num == math.Trunc(num) && math.Abs(num) < 1<<53 {
		return int64(num)
	}
	return num
}

// tableToGo returns a []any for sequences 1..n and a map otherwise.
func tableToGo(L *lua.State, abs, depth int) any {
	n := L.RawLength(abs)
	count := 0
	L.PushNil()
	for L.Next(abs) {
		count++
		L.Pop(1)
	}

	if n > 0 && n == count {
		arr := make([]any, n)
		for i := 1; i <= n; i++ {
			L.RawGetInt(abs, i)
			arr[i-1] = toGo(L, -1, depth)
			L.Pop(1)
		}
		return arr
	}

	m := make(map[string]any, count)
	L.PushNil()
	for L.Next(abs) {
		var key string
		if L.TypeOf(-2) == lua.TypeString {
			key, _ = L.ToString(-2)
		} else {
			key = fmt.Sprint(toGo(L, -2, depth))
		}
		m[key] = toGo(L, -1, depth)
		L.Pop(1)
	}
	return m
}
