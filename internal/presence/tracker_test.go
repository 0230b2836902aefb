package presence

import (
	"fmt"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

func TestPresenceLastWriteWins(t *testing.T) {
	tr := New(time.Second, nil)
	tr.SetPresence(model.Presence{UserID: "bob", Status: model.PresenceOnline})
	tr.SetPresence(model.Presence{UserID: "bob", Status: model.PresenceAway})

	p, ok := tr.Presence("bob")
	if !ok || p.Status != model.PresenceAway {
		t.Errorf("Presence(bob) = %+v, %v; want away", p, ok)
	}
	if _, ok := tr.Presence("carol"); ok {
		t.Error("unknown user should have no presence")
	}
}

func TestSetTypingReportsChange(t *testing.T) {
	tr := New(time.Minute, nil)
	on := model.Typing{ConversationID: "c1", UserID: "bob", Typing: true}

	if !tr.SetTyping(on) {
		t.Error("first typing=true should change state")
	}
	if tr.SetTyping(on) {
		t.Error("refresh should not change state")
	}
	if got := fmt.Sprint(tr.Typing("c1")); got != "[bob]" {
		t.Errorf("Typing(c1) = %s, want [bob]", got)
	}

	off := on
	off.Typing = false
	if !tr.SetTyping(off) {
		t.Error("typing=false should change state")
	}
	if tr.SetTyping(off) {
		t.Error("clearing twice should not change state")
	}
	if len(tr.Typing("c1")) != 0 {
		t.Errorf("Typing(c1) = %v, want empty", tr.Typing("c1"))
	}
}

func TestTypingExpires(t *testing.T) {
	expired := make(chan model.Typing, 1)
	tr := New(50*time.Millisecond, func(ty model.Typing) { expired <- ty })

	tr.SetTyping(model.Typing{ConversationID: "c1", UserID: "bob", Typing: true})

	select {
	case ty := <-expired:
		if ty.ConversationID != "c1" || ty.UserID != "bob" || ty.Typing {
			t.Errorf("expired = %+v", ty)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("typing indicator never expired")
	}
	if len(tr.Typing("c1")) != 0 {
		t.Error("expired indicator still visible")
	}
}

// TestExplicitClearSkipsExpiryCallback verifies a user stopping typing is
// not reported again as an expiry.
func TestExplicitClearSkipsExpiryCallback(t *testing.T) {
	expired := make(chan model.Typing, 1)
	tr := New(time.Minute, func(ty model.Typing) { expired <- ty })

	tr.SetTyping(model.Typing{ConversationID: "c1", UserID: "bob", Typing: true})
	tr.SetTyping(model.Typing{ConversationID: "c1", UserID: "bob", Typing: false})

	select {
	case ty := <-expired:
		t.Errorf("unexpected expiry callback: %+v", ty)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClearForgetsEverything(t *testing.T) {
	tr := New(time.Minute, nil)
	tr.SetPresence(model.Presence{UserID: "bob", Status: model.PresenceOnline})
	tr.SetTyping(model.Typing{ConversationID: "c1", UserID: "bob", Typing: true})

	users, convs := tr.Clear()
	if fmt.Sprint(users) != "[bob]" || fmt.Sprint(convs) != "[c1]" {
		t.Errorf("Clear() = %v, %v", users, convs)
	}
	if _, ok := tr.Presence("bob"); ok {
		t.Error("presence survived Clear")
	}
	if len(tr.Typing("c1")) != 0 {
		t.Error("typing survived Clear")
	}
}
