// Package enginetest provides a loopback SIP peer for exercising the engine
// over real UDP signaling.
package enginetest

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"
)

// Tag is the dialog tag the party puts in every response it sends
const Tag = "remote-tag"

// Party is a sipgo user agent on 127.0.0.1 acting as registrar, caller and callee
type Party struct {
	ua     *sipgo.UserAgent
	client *sipgo.Client
	conn   net.PacketConn
	media  net.PacketConn
	port   int

	mu       sync.Mutex
	onInvite sipgo.RequestHandler

	acks      chan *sip.Request
	byes      chan *sip.Request
	registers chan *sip.Request
}

// NewParty starts a party listening on an ephemeral UDP port. It is closed
// when the test ends.
func NewParty(t testing.TB) *Party {
	t.Helper()

	ua, err := sipgo.NewUA(sipgo.WithUserAgent("enginetest"))
	if err != nil {
		t.Fatalf("NewUA: %v", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	media, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen media: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port

	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname("127.0.0.1"), sipgo.WithClientPort(port))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	p := &Party{
		ua:        ua,
		client:    client,
		conn:      conn,
		media:     media,
		port:      port,
		acks:      make(chan *sip.Request, 8),
		byes:      make(chan *sip.Request, 8),
		registers: make(chan *sip.Request, 8),
	}

	srv.OnRegister(func(req *sip.Request, tx sip.ServerTransaction) {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
		deliver(p.registers, req)
	})
	srv.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		p.mu.Lock()
		h := p.onInvite
		p.mu.Unlock()
		if h == nil {
			_ = tx.Respond(sip.NewResponseFromRequest(req, 480, "Temporarily Unavailable", nil))
			return
		}
		h(req, tx)
	})
	srv.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		deliver(p.acks, req)
	})
	srv.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil))
		deliver(p.byes, req)
	})

	go func() { _ = srv.ServeUDP(conn) }()

	t.Cleanup(func() {
		_ = ua.Close()
		_ = conn.Close()
		_ = media.Close()
	})
	return p
}

// Port is the SIP listening port
func (p *Party) Port() int {
	return p.port
}

// URI is a SIP URI for user at this party
func (p *Party) URI(user string) string {
	return fmt.Sprintf("sip:%s@127.0.0.1:%d", user, p.port)
}

// Registrar is the URI to register against
func (p *Party) Registrar() string {
	return fmt.Sprintf("sip:127.0.0.1:%d", p.port)
}

// Acks delivers ACKs for 2xx responses the party sent
func (p *Party) Acks() <-chan *sip.Request { return p.acks }

// Byes delivers BYEs the party answered
func (p *Party) Byes() <-chan *sip.Request { return p.byes }

// Registers delivers REGISTERs the party accepted
func (p *Party) Registers() <-chan *sip.Request { return p.registers }

// OnInvite installs the handler for incoming INVITEs
func (p *Party) OnInvite(h sipgo.RequestHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onInvite = h
}

// SDP is a PCMU session description pointing at the party's media socket
func (p *Party) SDP() []byte {
	port := p.media.LocalAddr().(*net.UDPAddr).Port
	sd := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      1,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "127.0.0.1",
		},
		SessionName: "enginetest",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "127.0.0.1"},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{
			(&sdp.MediaDescription{
				MediaName: sdp.MediaName{
					Media:  "audio",
					Port:   sdp.RangedPort{Value: port},
					Protos: []string{"RTP", "AVP"},
				},
			}).WithCodec(0, "PCMU", 8000, 0, "").WithPropertyAttribute("sendrecv"),
		},
	}
	body, _ := sd.Marshal()
	return body
}

// Respond answers req with the party's dialog tag. 2xx responses carry the
// party's Contact and SDP.
func (p *Party) Respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) error {
	var body []byte
	if code >= 200 && code < 300 {
		body = p.SDP()
	}
	res := sip.NewResponseFromRequest(req, sip.StatusCode(code), reason, body)
	res.To().Params.Add("tag", Tag)
	if body != nil {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		var contact sip.Uri
		if err := sip.ParseUri(p.URI("remote"), &contact); err != nil {
			return err
		}
		res.AppendHeader(&sip.ContactHeader{Address: contact})
	}
	return tx.Respond(res)
}

// Invite sends an INVITE with SDP from user to target
func (p *Party) Invite(ctx context.Context, user, target, callID string) (*sip.Request, sip.ClientTransaction, error) {
	var to, from sip.Uri
	if err := sip.ParseUri(target, &to); err != nil {
		return nil, nil, err
	}
	if err := sip.ParseUri(p.URI(user), &from); err != nil {
		return nil, nil, err
	}

	req := sip.NewRequest(sip.INVITE, to)
	fromHdr := &sip.FromHeader{DisplayName: "Remote " + user, Address: from, Params: sip.NewParams()}
	fromHdr.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(fromHdr)
	req.AppendHeader(&sip.ToHeader{Address: to, Params: sip.NewParams()})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: from})
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(p.SDP())

	tx, err := p.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, nil, err
	}
	return req, tx, nil
}

// FinalResponse waits for the final response of tx and returns it with the
// provisional codes seen before it
func FinalResponse(tx sip.ClientTransaction, timeout time.Duration) (*sip.Response, []int, error) {
	deadline := time.After(timeout)
	var provisional []int
	for {
		select {
		case res := <-tx.Responses():
			if res == nil {
				continue
			}
			if res.IsProvisional() {
				provisional = append(provisional, int(res.StatusCode))
				continue
			}
			return res, provisional, nil
		case <-tx.Done():
			return nil, provisional, fmt.Errorf("transaction ended: %v", tx.Err())
		case <-deadline:
			return nil, provisional, fmt.Errorf("no final response within %s", timeout)
		}
	}
}

// Ack confirms a 2xx response to an INVITE the party sent
func (p *Party) Ack(invite *sip.Request, res *sip.Response) error {
	return p.client.WriteRequest(sip.NewAckRequest(invite, res, nil), sipgo.ClientRequestBuild)
}

// Bye ends a dialog the party established with invite and waits for the answer
func (p *Party) Bye(ctx context.Context, invite *sip.Request, res *sip.Response) (*sip.Response, error) {
	target := invite.Recipient
	if c := res.Contact(); c != nil {
		target = c.Address
	}
	bye := sip.NewRequest(sip.BYE, *target.Clone())
	sip.CopyHeaders("From", invite, bye)
	to := res.To()
	bye.AppendHeader(&sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params.Clone()})
	sip.CopyHeaders("Call-ID", invite, bye)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo + 1, MethodName: sip.BYE})

	tx, err := p.client.TransactionRequest(ctx, bye, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()
	final, _, err := FinalResponse(tx, 10*time.Second)
	return final, err
}

// TagOf returns the tag parameter of a From or To header
func TagOf(params sip.HeaderParams) string {
	v, _ := params.Get("tag")
	return v
}

func deliver(ch chan *sip.Request, req *sip.Request) {
	select {
	case ch <- req:
	default:
	}
}
