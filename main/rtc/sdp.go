package rtc

import (
	"fmt"
	"strings"

	"github.com/pion/sdp/v3"
)

// midMap is the fixed translation between the numeric mids the WebRTC stack
// assigns and the camera ids the signaling protocol promises. It is frozen
// when the offer is generated; answers and candidates are translated through
// it in both directions.
type midMap struct {
	toCamera map[string]string
	toPion   map[string]string
}

func (m *midMap) cameraMid(pionMid string) string {
	if m == nil {
		return pionMid
	}
	if mid, ok := m.toCamera[pionMid]; ok {
		return mid
	}
	return pionMid
}

func (m *midMap) pionMid(cameraMid string) string {
	if m == nil {
		return cameraMid
	}
	if mid, ok := m.toPion[cameraMid]; ok {
		return mid
	}
	return cameraMid
}

// rewriteOfferMids replaces the offer's mids with camera ids, one per
// m-line in camera order, and rewrites the BUNDLE group to match. Returns
// the rewritten SDP and the mapping for the reverse direction.
func rewriteOfferMids(offerSDP string, cameraIDs []string) (string, *midMap, error) {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(offerSDP)); err != nil {
		return "", nil, err
	}

	if len(parsed.MediaDescriptions) != len(cameraIDs) {
		return "", nil, fmt.Errorf("offer has %d media sections, expected %d",
			len(parsed.MediaDescriptions), len(cameraIDs))
	}

	mapping := &midMap{
		toCamera: make(map[string]string, len(cameraIDs)),
		toPion:   make(map[string]string, len(cameraIDs)),
	}

	for i, media := range parsed.MediaDescriptions {
		for j, attr := range media.Attributes {
			if attr.Key != "mid" {
				continue
			}
			mapping.toCamera[attr.Value] = cameraIDs[i]
			mapping.toPion[cameraIDs[i]] = attr.Value
			media.Attributes[j].Value = cameraIDs[i]
			break
		}
	}

	rewriteBundle(parsed, func(mid string) string { return mapping.cameraMid(mid) })

	rewritten, err := parsed.Marshal()
	if err != nil {
		return "", nil, err
	}
	return string(rewritten), mapping, nil
}

// rewriteAnswerMids maps the camera-id mids of a client answer back onto the
// mids the local stack negotiated.
func rewriteAnswerMids(answerSDP string, mapping *midMap) (string, error) {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(answerSDP)); err != nil {
		return "", err
	}

	for _, media := range parsed.MediaDescriptions {
		for j, attr := range media.Attributes {
			if attr.Key != "mid" {
				continue
			}
			media.Attributes[j].Value = mapping.pionMid(attr.Value)
			break
		}
	}

	rewriteBundle(parsed, mapping.pionMid)

	rewritten, err := parsed.Marshal()
	if err != nil {
		return "", err
	}
	return string(rewritten), nil
}

func rewriteBundle(parsed *sdp.SessionDescription, translate func(string) string) {
	for i, attr := range parsed.Attributes {
		if attr.Key != "group" || !strings.HasPrefix(attr.Value, "BUNDLE") {
			continue
		}
		fields := strings.Fields(attr.Value)
		for j := 1; j < len(fields); j++ {
			fields[j] = translate(fields[j])
		}
		parsed.Attributes[i].Value = strings.Join(fields, " ")
	}
}
