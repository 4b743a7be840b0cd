package bus

import "testing"

func TestArcStringJoinsServerAndChannel(t *testing.T) {
	a := Arc{ServerTag: "libera", ChannelName: "#test"}
	if got := a.String(); got != "libera#test" {
		t.Fatalf("Arc.String() = %q, want libera#test", got)
	}
}
