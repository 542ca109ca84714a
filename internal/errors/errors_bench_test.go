package errors

import (
	"net/http/httptest"
	"testing"
)

func BenchmarkWriteJSON_Base(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		ErrRouteNotFound.WriteJSON(w)
	}
}

func BenchmarkWriteJSON_WithRequestID(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		ErrRouteNotFound.WithRequestID("3f0c1f0e-9d8e-4b7a-8b61-2b8f3c1d9e10").WriteJSON(w)
	}
}
