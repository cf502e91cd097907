package store

import (
	"errors"
	"reflect"
	"testing"

	"github.com/OFFIS-RIT/catalyst/pkg/common"
)

func TestChunkRange(t *testing.T) {
	var got [][2]int
	err := ChunkRange(7, 3, func(start, end int) error {
		got = append(got, [2]int{start, end})
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := [][2]int{{0, 3}, {3, 6}, {6, 7}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestKeywords(t *testing.T) {
	got := Keywords("Who founded  Acme-Corp, a US firm?")
	want := []string{"WHO", "FOUNDED", "ACME", "CORP", "US", "FIRM"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNameScore(t *testing.T) {
	e := common.Entity{Name: "Acme Corp", Aliases: []string{"Acme Corporation"}}
	tests := []struct {
		query string
		want  float64
	}{
		{"what does acme corp sell", 1},
		{"tell me about acme", 0.5},
		{"the acme corporation", 1},
		{"globex", 0},
	}
	for _, tt := range tests {
		if got := NameScore(Keywords(tt.query), e); got != tt.want {
			t.Errorf("NameScore(%q) = %v, want %v", tt.query, got, tt.want)
		}
	}
}

func TestMergeAliases(t *testing.T) {
	got := MergeAliases("Acme Corp", []string{"ACME"}, "acme corp", "Acme", "Acme Corporation", "")
	want := []string{"ACME", "Acme Corporation"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestRankByName(t *testing.T) {
	ents := []common.Entity{
		{ID: "b", ChunkIDs: []string{"1"}},
		{ID: "a", ChunkIDs: []string{"1"}},
		{ID: "c", ChunkIDs: []string{"1", "2"}},
	}
	scores := map[string]float64{"a": 0.5, "b": 0.5, "c": 0.5}
	got := RankByName(ents, scores, 2)
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "a" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestCheckVectors(t *testing.T) {
	info := IndexInfo{Model: "m", Dimension: 2}
	if err := CheckVectors(KindChunk, info, "m", []Vector{{ID: "x", Values: []float32{1, 2}}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := []struct {
		name    string
		kind    VectorKind
		model   string
		vectors []Vector
	}{
		{"kind", VectorKind("other"), "m", nil},
		{"model", KindChunk, "n", nil},
		{"dimension", KindChunk, "m", []Vector{{ID: "x", Values: []float32{1}}}},
		{"empty", KindChunk, "m", []Vector{{ID: "x"}}},
	}
	for _, tt := range bad {
		if err := CheckVectors(tt.kind, info, tt.model, tt.vectors); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestCheckQuery(t *testing.T) {
	info := IndexInfo{Model: "m", Dimension: 2}
	tests := []struct {
		name    string
		model   string
		query   []float32
		wantErr bool
	}{
		{"match", "m", []float32{1, 2}, false},
		{"model unknown to caller", "", []float32{1, 2}, false},
		{"other model same dimension", "n", []float32{1, 2}, true},
		{"dimension", "m", []float32{1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckQuery(KindChunk, info, tt.model, tt.query)
			if got := errors.Is(err, common.ErrConfiguration); got != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
