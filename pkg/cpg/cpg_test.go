package cpg

import (
	"testing"

	"pgregory.net/rapid"
)

func TestLowestIgnoresOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ids := rapid.SliceOfNDistinct(rapid.Uint32Range(1, 1000), 1, 16, rapid.ID[uint32]).Draw(t, "ids")
		var members []Member
		for _, id := range ids {
			members = append(members, Member{Node: NodeID(id), Reason: ReasonJoin})
		}
		want := Lowest(members)

		found := false
		for _, m := range members {
			if m.Node < want {
				t.Fatalf("%d is below lowest %d", m.Node, want)
			}
			found = found || m.Node == want
		}
		if !found {
			t.Fatalf("lowest %d is not a member", want)
		}
		if got := Lowest(rapid.Permutation(members).Draw(t, "permuted")); got != want {
			t.Fatalf("permuted members: lowest %d, want %d", got, want)
		}
	})
}

func TestLowestWithoutMembers(t *testing.T) {
	if got := Lowest(nil); got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
}
