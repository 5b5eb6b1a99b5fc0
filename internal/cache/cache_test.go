package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	gateway "github.com/eugener/llmgateway/internal"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestAuthCache(t *testing.T) {
	ctx := context.Background()
	c := NewAuthCache(newTestClient(t))

	if ok, err := c.Contains(ctx, "hash1"); err != nil || ok {
		t.Fatalf("Contains on empty cache = %v, %v", ok, err)
	}

	if err := c.Add(ctx, "hash1"); err != nil {
		t.Fatal(err)
	}
	if ok, err := c.Contains(ctx, "hash1"); err != nil || !ok {
		t.Fatalf("Contains after Add = %v, %v", ok, err)
	}

	if err := c.Remove(ctx, "hash1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := c.Contains(ctx, "hash1"); ok {
		t.Fatal("expected Contains false after Remove")
	}

	if err := c.WarmUp(ctx, []string{"a", "b", "c"}); err != nil {
		t.Fatal(err)
	}
	for _, h := range []string{"a", "b", "c"} {
		if ok, _ := c.Contains(ctx, h); !ok {
			t.Errorf("expected %q present after WarmUp", h)
		}
	}

	if err := c.WarmUp(ctx, []string{"only"}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := c.Contains(ctx, "a"); ok {
		t.Error("WarmUp should replace the set entirely, not merge")
	}
}

func TestRouteCache(t *testing.T) {
	ctx := context.Background()
	c := NewRouteCache(newTestClient(t))

	if _, err := c.Get(ctx, "gpt-4"); err != gateway.ErrNotFound {
		t.Fatalf("Get on empty cache err = %v, want ErrNotFound", err)
	}

	route := gateway.ModelRoute{
		ProviderID:             "p1",
		ProviderModelName:      "gpt-4-0613",
		BaseURL:                "https://api.openai.com/v1",
		APIKey:                 "sk-provider",
		ProviderKind:           gateway.ProviderOpenAI,
		InputTokenCoefficient:  1.0,
		OutputTokenCoefficient: 1.0,
	}
	if err := c.Set(ctx, "gpt-4", route); err != nil {
		t.Fatal(err)
	}

	got, err := c.Get(ctx, "gpt-4")
	if err != nil {
		t.Fatal(err)
	}
	if *got != route {
		t.Errorf("Get = %+v, want %+v", *got, route)
	}

	if err := c.Delete(ctx, "gpt-4"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, "gpt-4"); err != gateway.ErrNotFound {
		t.Errorf("Get after Delete err = %v, want ErrNotFound", err)
	}

	rdb := newTestClient(t)
	routeCache := NewRouteCache(rdb)
	if err := rdb.HSet(ctx, modelRoutesKey, "corrupt-model", "not valid json").Err(); err != nil {
		t.Fatal(err)
	}
	if _, err := routeCache.Get(ctx, "corrupt-model"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("Get on corrupt payload err = %v, want wrapped ErrNotFound", err)
	}

	routes := map[string]gateway.ModelRoute{
		"gpt-4":   route,
		"claude3": route,
	}
	if err := c.WarmUp(ctx, routes); err != nil {
		t.Fatal(err)
	}
	for name := range routes {
		if _, err := c.Get(ctx, name); err != nil {
			t.Errorf("Get(%q) after WarmUp: %v", name, err)
		}
	}
}
