package engine

import (
	"errors"
	"strings"
	"testing"
)

const remoteOffer = "v=0\r\n" +
	"o=- 1 1 IN IP4 192.0.2.10\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.10\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 8 0 101\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n" +
	"a=fmtp:101 0-16\r\n" +
	"a=sendrecv\r\n" +
	"m=video 40002 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n"

func TestCodecTable_Priority(t *testing.T) {
	table := newCodecTable()

	got := table.ordered()
	if len(got) != 2 || got[0].Name != "PCMU" {
		t.Fatalf("unexpected default order: %+v", got)
	}

	if err := table.setPriority("PCMA/8000", 255); err != nil {
		t.Fatalf("setPriority: %v", err)
	}
	if got := table.ordered(); got[0].Name != "PCMA" {
		t.Fatalf("expected PCMA first, got %s", got[0].Name)
	}

	if err := table.setPriority("pcmu", 0); err != nil {
		t.Fatalf("setPriority prefix: %v", err)
	}
	if got := table.ordered(); len(got) != 1 || got[0].Name != "PCMA" {
		t.Fatalf("expected PCMU disabled, got %+v", got)
	}

	if err := table.setPriority("AMR-WB", 255); !errors.Is(err, ErrCodecNotFound) {
		t.Fatalf("expected ErrCodecNotFound, got %v", err)
	}
	if err := table.setPriority("PCMA", 300); err == nil {
		t.Fatal("expected range error")
	}
}

func TestBuildOffer_ListsCodecsInPriorityOrder(t *testing.T) {
	table := newCodecTable()
	_ = table.setPriority("PCMA", 200)

	offer, err := buildOffer("198.51.100.7", 4000, 42, table.ordered())
	if err != nil {
		t.Fatalf("buildOffer: %v", err)
	}
	s := string(offer)
	if !strings.Contains(s, "m=audio 4000 RTP/AVP 8 0 101") {
		t.Fatalf("unexpected media line:\n%s", s)
	}
	if !strings.Contains(s, "c=IN IP4 198.51.100.7") {
		t.Fatalf("missing connection line:\n%s", s)
	}

	if _, err := buildOffer("198.51.100.7", 4000, 42, nil); !errors.Is(err, errNoCommonCodec) {
		t.Fatalf("expected errNoCommonCodec, got %v", err)
	}
}

func TestNegotiate_PicksFirstSupportedRemoteCodec(t *testing.T) {
	n, err := negotiate([]byte(remoteOffer), newCodecTable())
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}

	if n.codec.Name != "PCMA" {
		t.Fatalf("expected remote preference PCMA, got %s", n.codec.Name)
	}
	if !n.dtmf {
		t.Fatal("expected telephone-event to be detected")
	}
	if n.remoteAddr.String() != "192.0.2.10:40000" {
		t.Fatalf("unexpected remote address %s", n.remoteAddr)
	}
	if len(n.media) != 2 {
		t.Fatalf("expected 2 media lines, got %d", len(n.media))
	}
	if n.media[0].Type != MediaAudio || n.media[0].Status != MediaStatusActive {
		t.Fatalf("unexpected audio media %+v", n.media[0])
	}
	if n.media[1].Type != MediaVideo || n.media[1].Status != MediaStatusNone || n.media[1].VideoIncomingWindowID != InvalidID {
		t.Fatalf("unexpected video media %+v", n.media[1])
	}
}

func TestNegotiate_HoldDirection(t *testing.T) {
	held := strings.Replace(remoteOffer, "a=sendrecv", "a=sendonly", 1)
	n, err := negotiate([]byte(held), newCodecTable())
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if n.media[0].Status != MediaStatusRemoteHold {
		t.Fatalf("expected remote hold, got %v", n.media[0].Status)
	}
	if answerDirection(n.direction) != "recvonly" {
		t.Fatalf("expected recvonly answer, got %s", answerDirection(n.direction))
	}
}

func TestNegotiate_NoCommonCodec(t *testing.T) {
	table := newCodecTable()
	_ = table.setPriority("PCMA", 0)
	_ = table.setPriority("PCMU", 0)

	if _, err := negotiate([]byte(remoteOffer), table); !errors.Is(err, errNoCommonCodec) {
		t.Fatalf("expected errNoCommonCodec, got %v", err)
	}
	if _, err := negotiate([]byte("not sdp"), table); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestBuildAnswer_RejectsUnsupportedLines(t *testing.T) {
	n, err := negotiate([]byte(remoteOffer), newCodecTable())
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}

	answer, err := buildAnswer("198.51.100.7", 5000, 7, n)
	if err != nil {
		t.Fatalf("buildAnswer: %v", err)
	}
	s := string(answer)
	if !strings.Contains(s, "m=audio 5000 RTP/AVP 8 101") {
		t.Fatalf("unexpected audio answer:\n%s", s)
	}
	if !strings.Contains(s, "m=video 0 RTP/AVP 96") {
		t.Fatalf("video line not rejected:\n%s", s)
	}
	if !strings.Contains(s, "a=sendrecv") {
		t.Fatalf("missing direction:\n%s", s)
	}
}
