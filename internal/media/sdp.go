// Package media holds the SDP payload model shared by sessions, backends,
// and adapters, plus the trickle-ICE aggregation helper.
package media

import (
	"errors"
	"fmt"
	"strings"

	psdp "github.com/pion/sdp/v3"
)

// SDPType distinguishes WebRTC-style SDP (ICE, DTLS) from plain RTP SDP.
type SDPType string

const (
	SDPTypeWebRTC SDPType = "webrtc"
	SDPTypeRTP    SDPType = "rtp"
)

// Payload is one side of an SDP offer/answer exchange.
type Payload struct {
	SDP        string  `json:"sdp"`
	SDPType    SDPType `json:"sdp_type"`
	TrickleICE bool    `json:"trickle_ice,omitempty"`

	// Dest is the callee hint some endpoints carry inside the offer
	// (Verto puts the dialed destination here).
	Dest string `json:"dest,omitempty"`
}

// Candidate is a trickle-ICE candidate. A candidate with End set is the
// end-of-candidates sentinel; its other fields are ignored.
type Candidate struct {
	MID       string `json:"sdpMid,omitempty"`
	MLineIdx  uint16 `json:"sdpMLineIndex,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	End       bool   `json:"end,omitempty"`
}

// ErrNoMedia is returned when an SDP has no media sections to attach
// candidates to.
var ErrNoMedia = errors.New("sdp has no media descriptions")

// Aggregate folds buffered trickle candidates into the SDP so a non-trickle
// consumer sees a complete description. Candidates are appended to their
// media section in arrival order; the sentinel terminates aggregation.
func Aggregate(p Payload, candidates []Candidate) (Payload, error) {
	if len(candidates) == 0 {
		return p, nil
	}

	var desc psdp.SessionDescription
	if err := desc.Unmarshal([]byte(p.SDP)); err != nil {
		return p, fmt.Errorf("parse sdp: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return p, ErrNoMedia
	}

	for _, c := range candidates {
		if c.End {
			break
		}
		md := mediaSection(&desc, c)
		if md == nil {
			continue
		}
		value := strings.TrimPrefix(c.Candidate, "candidate:")
		md.Attributes = append(md.Attributes, psdp.Attribute{
			Key:   "candidate",
			Value: value,
		})
	}

	out, err := desc.Marshal()
	if err != nil {
		return p, fmt.Errorf("marshal sdp: %w", err)
	}

	agg := p
	agg.SDP = string(out)
	agg.TrickleICE = false
	return agg, nil
}

func mediaSection(desc *psdp.SessionDescription, c Candidate) *psdp.MediaDescription {
	if c.MID != "" {
		for _, md := range desc.MediaDescriptions {
			if mid, ok := md.Attribute("mid"); ok && mid == c.MID {
				return md
			}
		}
	}
	if int(c.MLineIdx) < len(desc.MediaDescriptions) {
		return desc.MediaDescriptions[c.MLineIdx]
	}
	return nil
}
