package call

import (
	"context"
	"testing"
	"time"

	"github.com/fexe-co/softphone/internal/engine"
	"github.com/fexe-co/softphone/internal/engine/enginetest"
	"github.com/fexe-co/softphone/internal/models"
	"github.com/fexe-co/softphone/internal/routing"
	"github.com/fexe-co/softphone/internal/state"
	"github.com/rs/zerolog"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestController_BusyRejectOverSIP(t *testing.T) {
	remote := enginetest.NewParty(t)
	view := state.NewProjector(0)
	opts := Options{
		UserAgent:    "test",
		PublicHost:   "127.0.0.1",
		SIPHost:      "127.0.0.1",
		SIPTransport: "udp",
		Registrar:    remote.Registrar(),
	}
	c := NewController(engine.NewSIPEngine(zerolog.Nop()), view, routing.NewDialPlan("127.0.0.1", "test"), opts, zerolog.Nop())
	ctx := context.Background()

	creds := models.Credentials{User: "100", Secret: "secret", IDURI: "<sip:100@127.0.0.1>"}
	if err := c.Initialize(ctx, creds); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = c.Stop() })

	// the registered Contact is where the library takes calls
	var local string
	select {
	case req := <-remote.Registers():
		local = req.Contact().Address.String()
	case <-time.After(10 * time.Second):
		t.Fatal("library never registered")
	}

	invite, tx, err := remote.Invite(ctx, "200", local, "in-1")
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}
	waitFor(t, "incoming call", func() bool { return c.ActiveCallID() == "in-1" })
	if err := c.Answer(); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	res, _, err := enginetest.FinalResponse(tx, 10*time.Second)
	if err != nil || res.StatusCode != 200 {
		t.Fatalf("INVITE: %v %v", res, err)
	}
	if err := remote.Ack(invite, res); err != nil {
		t.Fatalf("ACK: %v", err)
	}
	waitFor(t, "confirmed call", func() bool {
		info, err := c.CurrentCall()
		return err == nil && info.State == engine.InvConfirmed
	})

	_, tx2, err := remote.Invite(ctx, "201", local, "in-2")
	if err != nil {
		t.Fatalf("second Invite: %v", err)
	}
	res2, _, err := enginetest.FinalResponse(tx2, 10*time.Second)
	if err != nil {
		t.Fatalf("second INVITE: %v", err)
	}
	if res2.StatusCode != 486 {
		t.Fatalf("expected 486 Busy Here while in a call, got %d", res2.StatusCode)
	}
	if id := c.ActiveCallID(); id != "in-1" {
		t.Fatalf("busy call replaced the active one: %q", id)
	}
	if s := view.Snapshot(); s.Call == nil || s.Call.CallID != "in-1" {
		t.Fatalf("projected call changed: %+v", s.Call)
	}

	if err := c.Hangup(); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	select {
	case bye := <-remote.Byes():
		if bye.CallID().Value() != "in-1" {
			t.Fatalf("BYE for %s", bye.CallID().Value())
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no BYE received")
	}
	waitFor(t, "idle controller", func() bool { return c.ActiveCallID() == "" })
}
