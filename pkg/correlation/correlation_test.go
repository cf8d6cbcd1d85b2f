package correlation

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
)

// TestResolve はResolveを検証する。
func TestResolve(t *testing.T) {
	t.Parallel()

	t.Run("受信したIDをそのまま使うこと", func(t *testing.T) {
		t.Parallel()

		h := http.Header{}
		h.Set(HeaderRequestID, "req-1")
		h.Set("X-Trace-ID", "trace-1")
		h.Set("x-span-id", "span-1")

		ids := Resolve(h)
		want := IDs{RequestID: "req-1", TraceID: "trace-1", SpanID: "span-1"}
		if ids != want {
			t.Errorf("Resolve() = %+v, want %+v", ids, want)
		}
	})

	t.Run("欠けているIDを生成すること", func(t *testing.T) {
		t.Parallel()

		h := http.Header{}
		h.Set(HeaderTraceID, "trace-1")
		h.Set(HeaderSpanID, "   ")

		ids := Resolve(h)
		if _, err := uuid.Parse(ids.RequestID); err != nil {
			t.Errorf("RequestID = %q, UUIDであるべき: %v", ids.RequestID, err)
		}
		if ids.TraceID != "trace-1" {
			t.Errorf("TraceID = %q, want %q", ids.TraceID, "trace-1")
		}
		if len(ids.SpanID) != spanIDLength {
			t.Errorf("SpanID = %q, 長さ%dであるべき", ids.SpanID, spanIDLength)
		}
	})

	t.Run("生成したIDが呼び出しごとに異なること", func(t *testing.T) {
		t.Parallel()

		seen := make(map[string]struct{})
		for range 100 {
			ids := Resolve(http.Header{})
			for _, id := range []string{ids.RequestID, ids.TraceID, ids.SpanID} {
				if id == "" {
					t.Fatal("空のIDが生成された")
				}
				if _, dup := seen[id]; dup {
					t.Fatalf("IDが重複した: %q", id)
				}
				seen[id] = struct{}{}
			}
		}
	})
}

// TestIDs_Apply はApplyを検証する。
func TestIDs_Apply(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set(HeaderRequestID, "old")
	IDs{RequestID: "r", TraceID: "t", SpanID: "s"}.Apply(h)

	if got := h.Values(HeaderRequestID); len(got) != 1 || got[0] != "r" {
		t.Errorf("X-Request-ID = %v, want [r]", got)
	}
	if got := h.Get(HeaderTraceID); got != "t" {
		t.Errorf("X-Trace-Id = %q, want %q", got, "t")
	}
	if got := h.Get(HeaderSpanID); got != "s" {
		t.Errorf("X-Span-Id = %q, want %q", got, "s")
	}
}

// TestContext はコンテキストへの格納と取り出しを検証する。
func TestContext(t *testing.T) {
	t.Parallel()

	if _, ok := FromContext(context.Background()); ok {
		t.Error("空のコンテキストから相関IDが取得できた")
	}

	ids := IDs{RequestID: "r", TraceID: "t", SpanID: "s"}
	got, ok := FromContext(WithIDs(context.Background(), ids))
	if !ok || got != ids {
		t.Errorf("FromContext() = %+v, %v, want %+v, true", got, ok, ids)
	}

	fields := ids.Fields()
	if len(fields) != 3 || fields[0].Key != "request_id" || fields[1].Key != "trace_id" || fields[2].Key != "span_id" {
		t.Errorf("Fields() = %v", fields)
	}
}
