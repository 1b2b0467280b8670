package signaling

import (
	"fmt"

	"github.com/dkeye/moodcall/internal/core"
	"github.com/dkeye/moodcall/internal/domain"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pion/webrtc/v4"
)

func decodeInto(in core.Fields, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(in))
}

func decodeSession(sid domain.SessionID, f core.Fields) (*domain.CallSession, error) {
	var s domain.CallSession
	if err := decodeInto(f, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	s.ID = sid
	return &s, nil
}

func decodeCandidate(f core.Fields) (webrtc.ICECandidateInit, error) {
	var c domain.Candidate
	if err := decodeInto(f, &c); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("decode candidate: %w", err)
	}
	if c.Candidate == "" {
		return webrtc.ICECandidateInit{}, fmt.Errorf("decode candidate: empty candidate")
	}
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}, nil
}

func decodeNegotiation(f core.Fields) (domain.Negotiation, error) {
	var n domain.Negotiation
	if err := decodeInto(f, &n); err != nil {
		return n, fmt.Errorf("decode negotiation: %w", err)
	}
	switch n.Type {
	case webrtc.SDPTypeOffer.String(), webrtc.SDPTypeAnswer.String():
	default:
		return n, fmt.Errorf("decode negotiation: unexpected type %q", n.Type)
	}
	return n, nil
}

func descriptionFields(d domain.Description) map[string]any {
	return map[string]any{"type": d.Type, "sdp": d.SDP}
}

func sessionFields(s domain.CallSession) core.Fields {
	participants := make([]string, 0, len(s.Participants))
	for _, p := range s.Participants {
		participants = append(participants, string(p))
	}
	f := core.Fields{
		"callerId":     string(s.CallerID),
		"calleeId":     string(s.CalleeID),
		"callerName":   s.CallerName,
		"participants": participants,
		"offer":        descriptionFields(*s.Offer),
		"calleeLeft":   s.CalleeLeft,
		"createdAt":    s.CreatedAt,
	}
	if s.Answer != nil {
		f["answer"] = descriptionFields(*s.Answer)
	}
	return f
}

func candidateFields(c webrtc.ICECandidateInit) core.Fields {
	f := core.Fields{"candidate": c.Candidate}
	if c.SDPMid != nil {
		f["sdpMid"] = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		f["sdpMLineIndex"] = *c.SDPMLineIndex
	}
	if c.UsernameFragment != nil {
		f["usernameFragment"] = *c.UsernameFragment
	}
	return f
}

func negotiationFields(n domain.Negotiation) core.Fields {
	return core.Fields{"type": n.Type, "sdp": n.SDP, "round": n.Round}
}
