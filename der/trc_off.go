//go:build !der_debug

package der

func trace(_ string, _ ...any) {}

func traceElement(_ string, _ element) {}
