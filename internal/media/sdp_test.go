package media

import (
	"strings"
	"testing"
)

const offerSDP = "v=0\r\n" +
	"o=- 3954321 3954321 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:1\r\n"

func TestAggregateAppendsCandidatesInOrder(t *testing.T) {
	p := Payload{SDP: offerSDP, SDPType: SDPTypeWebRTC, TrickleICE: true}
	candidates := []Candidate{
		{MID: "0", Candidate: "candidate:1 1 UDP 2130706431 192.168.1.10 5000 typ host"},
		{MID: "0", Candidate: "candidate:2 1 UDP 1694498815 203.0.113.5 6000 typ srflx"},
		{MID: "1", Candidate: "candidate:3 1 UDP 2130706431 192.168.1.10 5002 typ host"},
		{End: true},
	}

	agg, err := Aggregate(p, candidates)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if agg.TrickleICE {
		t.Error("aggregated payload still flagged trickle")
	}

	audio := section(t, agg.SDP, "m=audio")
	video := section(t, agg.SDP, "m=video")

	first := strings.Index(audio, "192.168.1.10 5000")
	second := strings.Index(audio, "203.0.113.5 6000")
	if first == -1 || second == -1 || first > second {
		t.Errorf("audio candidates missing or out of order:\n%s", audio)
	}
	if !strings.Contains(video, "192.168.1.10 5002") {
		t.Errorf("video candidate missing:\n%s", video)
	}
	if strings.Contains(video, "203.0.113.5") {
		t.Errorf("audio candidate leaked into video section:\n%s", video)
	}
}

func TestAggregateByMLineIndex(t *testing.T) {
	p := Payload{SDP: offerSDP, SDPType: SDPTypeWebRTC, TrickleICE: true}
	agg, err := Aggregate(p, []Candidate{
		{MLineIdx: 1, Candidate: "candidate:9 1 UDP 1 10.0.0.1 7000 typ host"},
	})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if !strings.Contains(section(t, agg.SDP, "m=video"), "10.0.0.1 7000") {
		t.Error("candidate not attached by m-line index")
	}
}

func TestAggregateNoCandidatesIsIdentity(t *testing.T) {
	p := Payload{SDP: offerSDP, SDPType: SDPTypeWebRTC, TrickleICE: true}
	agg, err := Aggregate(p, nil)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if agg.SDP != p.SDP || !agg.TrickleICE {
		t.Error("empty aggregation mutated the payload")
	}
}

func TestAggregateRejectsGarbage(t *testing.T) {
	p := Payload{SDP: "not sdp", SDPType: SDPTypeWebRTC}
	if _, err := Aggregate(p, []Candidate{{Candidate: "candidate:1"}}); err == nil {
		t.Error("garbage SDP accepted")
	}
}

// section returns the media section starting at the given m= marker.
func section(t *testing.T, sdp, marker string) string {
	t.Helper()
	idx := strings.Index(sdp, marker)
	if idx == -1 {
		t.Fatalf("section %q not found in:\n%s", marker, sdp)
	}
	rest := sdp[idx+len(marker):]
	if next := strings.Index(rest, "m="); next != -1 {
		return sdp[idx : idx+len(marker)+next]
	}
	return sdp[idx:]
}
