package engine

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pion/sdp/v3"
)

const (
	dtmfPayloadType = 101
	ptime           = 20
)

var errNoCommonCodec = errors.New("no common audio codec")

// codec is an audio codec the media port can packetize
type codec struct {
	ID          string // NAME/CLOCK, matched by prefix in SetCodecPriority
	Name        string
	ClockRate   uint32
	PayloadType uint8
	Priority    int
	// Silence is the encoded value of a silent sample
	Silence byte
}

func (c codec) samplesPerPacket() int {
	return int(c.ClockRate) * ptime / 1000
}

// codecTable holds codec priorities; priority 0 disables a codec
type codecTable struct {
	mu     sync.RWMutex
	codecs []codec
}

func newCodecTable() *codecTable {
	return &codecTable{codecs: []codec{
		{ID: "PCMU/8000", Name: "PCMU", ClockRate: 8000, PayloadType: 0, Priority: 130, Silence: 0xFF},
		{ID: "PCMA/8000", Name: "PCMA", ClockRate: 8000, PayloadType: 8, Priority: 129, Silence: 0xD5},
	}}
}

func (t *codecTable) setPriority(id string, priority int) error {
	if priority < 0 || priority > 255 {
		return fmt.Errorf("priority %d out of range", priority)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	found := false
	for i := range t.codecs {
		if strings.HasPrefix(strings.ToUpper(t.codecs[i].ID), strings.ToUpper(id)) {
			t.codecs[i].Priority = priority
			found = true
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrCodecNotFound, id)
	}
	return nil
}

// ordered returns enabled codecs, highest priority first
func (t *codecTable) ordered() []codec {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]codec, 0, len(t.codecs))
	for _, c := range t.codecs {
		if c.Priority > 0 {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

func (t *codecTable) lookup(name string, clock uint32) (codec, bool) {
	for _, c := range t.ordered() {
		if strings.EqualFold(c.Name, name) && c.ClockRate == clock {
			return c, true
		}
	}
	return codec{}, false
}

// negotiated is the outcome of reading a remote session description
type negotiated struct {
	sd         *sdp.SessionDescription
	remoteAddr *net.UDPAddr
	codec      codec
	direction  string
	audioIndex int
	dtmf       bool
	media      []CallMediaInfo
}

func newSessionDescription(host string, sessionID uint64, version uint64) *sdp.SessionDescription {
	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "softphone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
	}
}

func audioDescription(port int) *sdp.MediaDescription {
	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: port},
			Protos: []string{"RTP", "AVP"},
		},
	}
}

// buildOffer creates an SDP offer listing codecs in priority order
func buildOffer(host string, port int, sessionID uint64, codecs []codec) ([]byte, error) {
	if len(codecs) == 0 {
		return nil, errNoCommonCodec
	}
	sd := newSessionDescription(host, sessionID, sessionID)

	md := audioDescription(port)
	for _, c := range codecs {
		md = md.WithCodec(c.PayloadType, c.Name, c.ClockRate, 0, "")
	}
	md = md.WithCodec(dtmfPayloadType, "telephone-event", 8000, 0, "0-16")
	md = md.WithValueAttribute("ptime", strconv.Itoa(ptime))
	md = md.WithPropertyAttribute("sendrecv")

	sd.MediaDescriptions = []*sdp.MediaDescription{md}
	return sd.Marshal()
}

// negotiate reads a remote offer or answer and selects the audio codec
func negotiate(body []byte, table *codecTable) (*negotiated, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("failed to parse SDP: %w", err)
	}

	n := &negotiated{sd: &sd, audioIndex: InvalidID}
	for i, md := range sd.MediaDescriptions {
		info := CallMediaInfo{Index: i, Type: mediaType(md.MediaName.Media), VideoIncomingWindowID: InvalidID}
		n.media = append(n.media, info)

		if info.Type != MediaAudio || n.audioIndex != InvalidID || md.MediaName.Port.Value == 0 {
			continue
		}

		c, dtmf, ok := selectCodec(&sd, md, table)
		if !ok {
			continue
		}

		host := connectionAddress(&sd, md)
		ip := net.ParseIP(host)
		if ip == nil {
			continue
		}

		n.audioIndex = i
		n.codec = c
		n.dtmf = dtmf
		n.remoteAddr = &net.UDPAddr{IP: ip, Port: md.MediaName.Port.Value}
		n.direction = direction(&sd, md)
		n.media[i].Codec = c.ID
		n.media[i].Status = statusForRemoteDirection(n.direction)
	}

	if n.audioIndex == InvalidID {
		return n, errNoCommonCodec
	}
	return n, nil
}

// buildAnswer answers every offered media line; only the negotiated audio line is accepted
func buildAnswer(host string, port int, sessionID uint64, n *negotiated) ([]byte, error) {
	sd := newSessionDescription(host, sessionID, sessionID)

	for i, offered := range n.sd.MediaDescriptions {
		if i != n.audioIndex {
			sd.MediaDescriptions = append(sd.MediaDescriptions, &sdp.MediaDescription{
				MediaName: sdp.MediaName{
					Media:   offered.MediaName.Media,
					Port:    sdp.RangedPort{Value: 0},
					Protos:  offered.MediaName.Protos,
					Formats: offered.MediaName.Formats,
				},
			})
			continue
		}

		md := audioDescription(port).WithCodec(n.codec.PayloadType, n.codec.Name, n.codec.ClockRate, 0, "")
		if n.dtmf {
			md = md.WithCodec(dtmfPayloadType, "telephone-event", 8000, 0, "0-16")
		}
		md = md.WithValueAttribute("ptime", strconv.Itoa(ptime))
		md = md.WithPropertyAttribute(answerDirection(n.direction))
		sd.MediaDescriptions = append(sd.MediaDescriptions, md)
	}

	return sd.Marshal()
}

func selectCodec(sd *sdp.SessionDescription, md *sdp.MediaDescription, table *codecTable) (codec, bool, bool) {
	var (
		chosen codec
		found  bool
		dtmf   bool
	)
	for _, f := range md.MediaName.Formats {
		pt, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			continue
		}
		name, clock := rtpmap(sd, md, uint8(pt))
		if strings.EqualFold(name, "telephone-event") {
			dtmf = true
			continue
		}
		if found {
			continue
		}
		if c, ok := table.lookup(name, clock); ok {
			// keep the remote's payload number for dynamic mappings
			c.PayloadType = uint8(pt)
			chosen, found = c, true
		}
	}
	return chosen, dtmf, found
}

// rtpmap resolves a payload type to a codec name, falling back to static assignments
func rtpmap(sd *sdp.SessionDescription, md *sdp.MediaDescription, pt uint8) (string, uint32) {
	for _, a := range md.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		fields := strings.Fields(a.Value)
		if len(fields) != 2 || fields[0] != strconv.Itoa(int(pt)) {
			continue
		}
		parts := strings.Split(fields[1], "/")
		if len(parts) < 2 {
			continue
		}
		clock, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			continue
		}
		return parts[0], uint32(clock)
	}
	switch pt {
	case 0:
		return "PCMU", 8000
	case 8:
		return "PCMA", 8000
	}
	return "", 0
}

func connectionAddress(sd *sdp.SessionDescription, md *sdp.MediaDescription) string {
	if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
		return md.ConnectionInformation.Address.Address
	}
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		return sd.ConnectionInformation.Address.Address
	}
	return ""
}

func direction(sd *sdp.SessionDescription, md *sdp.MediaDescription) string {
	for _, d := range []string{"sendrecv", "sendonly", "recvonly", "inactive"} {
		if _, ok := md.Attribute(d); ok {
			return d
		}
	}
	for _, d := range []string{"sendrecv", "sendonly", "recvonly", "inactive"} {
		if _, ok := sd.Attribute(d); ok {
			return d
		}
	}
	return "sendrecv"
}

func answerDirection(remote string) string {
	switch remote {
	case "sendonly":
		return "recvonly"
	case "recvonly":
		return "sendonly"
	case "inactive":
		return "inactive"
	default:
		return "sendrecv"
	}
}

func statusForRemoteDirection(d string) MediaStatus {
	switch d {
	case "sendonly", "inactive":
		return MediaStatusRemoteHold
	default:
		return MediaStatusActive
	}
}

func mediaType(m string) MediaType {
	switch m {
	case "audio":
		return MediaAudio
	case "video":
		return MediaVideo
	default:
		return MediaUnknown
	}
}
