package promise_test

import (
	"errors"
	"testing"

	"github.com/codehz/wsrpc/promise"
)

func TestResolveBeforeThen(t *testing.T) {
	p := promise.Resolved(42)
	var got int
	p.Then(func(v int) { got = v })
	if got != 42 {
		t.Fatalf("got %d", got)
	}
}

func TestResolveAfterThen(t *testing.T) {
	var res promise.Resolver[string]
	p := promise.New(func(r promise.Resolver[string]) { res = r })
	var got string
	p.Then(func(v string) { got = v })
	res.Resolve("later")
	if got != "later" {
		t.Fatalf("got %q", got)
	}
}

func TestSingleShot(t *testing.T) {
	var res promise.Resolver[int]
	p := promise.New(func(r promise.Resolver[int]) { res = r })
	count := 0
	p.Then(func(int) { count++ })
	p.Fail(func(error) { t.Fatal("fail branch ran") })
	res.Resolve(1)
	res.Resolve(2)
	res.Reject(errors.New("too late"))
	if count != 1 {
		t.Fatalf("success handler ran %d times", count)
	}
}

func TestThenReplacesHandler(t *testing.T) {
	var res promise.Resolver[int]
	p := promise.New(func(r promise.Resolver[int]) { res = r })
	p.Then(func(int) { t.Fatal("replaced handler ran") })
	var got int
	p.Then(func(v int) { got = v })
	res.Resolve(9)
	if got != 9 {
		t.Fatalf("got %d", got)
	}
}

func TestRejectPropagation(t *testing.T) {
	boom := errors.New("boom")
	p := promise.Rejected[int](boom)
	var got error
	p.Fail(func(err error) { got = err })
	if got != boom {
		t.Fatalf("got %v", got)
	}
}

func TestMapTransformsValue(t *testing.T) {
	doubled := promise.Map(promise.Resolved(21), func(v int) (int, error) {
		return v * 2, nil
	})
	var got int
	doubled.Then(func(v int) { got = v })
	if got != 42 {
		t.Fatalf("got %d", got)
	}
}

func TestMapErrorRejects(t *testing.T) {
	boom := errors.New("transform failed")
	p := promise.Map(promise.Resolved(1), func(int) (int, error) {
		return 0, boom
	})
	var got error
	p.Fail(func(err error) { got = err })
	if got != boom {
		t.Fatalf("got %v", got)
	}
}

func TestFlatMapFlattens(t *testing.T) {
	p := promise.FlatMap(promise.Resolved(2), func(v int) *promise.Promise[string] {
		if v == 2 {
			return promise.Resolved("two")
		}
		return promise.Rejected[string](errors.New("unexpected"))
	})
	var got string
	p.Then(func(v string) { got = v })
	if got != "two" {
		t.Fatalf("got %q", got)
	}
}

func TestFlatMapDeferredInner(t *testing.T) {
	var inner promise.Resolver[int]
	p := promise.FlatMap(promise.Resolved(0), func(int) *promise.Promise[int] {
		return promise.New(func(r promise.Resolver[int]) { inner = r })
	})
	var got int
	p.Then(func(v int) { got = v })
	inner.Resolve(7)
	if got != 7 {
		t.Fatalf("got %d", got)
	}
}

func TestMapAll(t *testing.T) {
	p := promise.MapAll([]int{1, 2, 3}, func(v int) *promise.Promise[int] {
		return promise.Resolved(v * 10)
	})
	var got []int
	p.Then(func(v []int) { got = v })
	if len(got) != 3 || got[0] != 10 || got[1] != 20 || got[2] != 30 {
		t.Fatalf("got %v", got)
	}
}

func TestMapAllFirstFailureRejects(t *testing.T) {
	boom := errors.New("second failed")
	p := promise.MapAll([]int{1, 2, 3}, func(v int) *promise.Promise[int] {
		if v == 2 {
			return promise.Rejected[int](boom)
		}
		return promise.Resolved(v)
	})
	var got error
	p.Fail(func(err error) { got = err })
	if got != boom {
		t.Fatalf("got %v", got)
	}
}

func TestMapAnyFirstWins(t *testing.T) {
	p := promise.MapAny([]int{1, 2}, func(v int) *promise.Promise[int] {
		if v == 1 {
			return promise.Rejected[int](errors.New("first failed"))
		}
		return promise.Resolved(v)
	})
	var got int
	settled := false
	p.Then(func(v int) { got = v; settled = true })
	if !settled || got != 2 {
		t.Fatalf("settled=%v got=%d", settled, got)
	}
}

func TestMapAnyAllFail(t *testing.T) {
	p := promise.MapAny([]int{1, 2}, func(v int) *promise.Promise[int] {
		return promise.Rejected[int](errors.New("nope"))
	})
	var got error
	p.Fail(func(err error) { got = err })
	if got == nil {
		t.Fatal("expected rejection")
	}
}
