package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuspensionBoundary(t *testing.T) {
	until := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	u := User{ID: "u1", Suspension: &Suspension{Until: until}}

	assert.True(t, u.IsSuspended(until.Add(-time.Millisecond)))
	assert.False(t, u.IsSuspended(until))
	assert.False(t, u.IsSuspended(until.Add(time.Hour)))
	assert.False(t, User{}.IsSuspended(until))
}

func TestNormalizeDropsExpiredSuspension(t *testing.T) {
	now := time.Now()
	active := User{Suspension: &Suspension{Until: now.Add(time.Minute)}}
	expired := User{Suspension: &Suspension{Until: now}}

	assert.NotNil(t, active.Normalize(now).Suspension)
	assert.Nil(t, expired.Normalize(now).Suspension)
	assert.NotNil(t, expired.Suspension, "normalize must not mutate the receiver's pointer target")
}

func TestReportStartsAndExtends(t *testing.T) {
	now := time.Now()
	d := 40 * time.Minute
	a := Reporter{UserID: "a", Username: "alice"}
	b := Reporter{UserID: "b", Username: "bob"}

	u := User{ID: "t"}.Report(a, now, d)
	require.NotNil(t, u.Suspension)
	assert.Equal(t, now.Add(d), u.Suspension.Until)
	assert.Equal(t, []string{"alice"}, u.Suspension.ReportedBy.Usernames())

	later := now.Add(10 * time.Minute)
	u2 := u.Report(b, later, d)
	assert.Equal(t, later.Add(d), u2.Suspension.Until)
	assert.Equal(t, []string{"alice", "bob"}, u2.Suspension.ReportedBy.Usernames())
	assert.Len(t, u.Suspension.ReportedBy, 1, "original suspension is not aliased")

	u3 := u2.Report(a, later, d)
	assert.Len(t, u3.Suspension.ReportedBy, 2, "repeat reporter is not appended")

	// A shorter duration never shortens an active suspension.
	u4 := u2.Report(b, later, time.Minute)
	assert.Equal(t, later.Add(d), u4.Suspension.Until)

	// After expiry a report starts over.
	after := u2.Suspension.Until
	u5 := u2.Report(b, after, d)
	assert.Equal(t, []string{"bob"}, u5.Suspension.ReportedBy.Usernames())
	assert.Equal(t, after.Add(d), u5.Suspension.Until)
}

func TestReportersScanValue(t *testing.T) {
	in := Reporters{{UserID: "a", Username: "alice"}}
	v, err := in.Value()
	require.NoError(t, err)

	var out Reporters
	require.NoError(t, out.Scan(v))
	assert.Equal(t, in, out)

	require.NoError(t, out.Scan(nil))
	assert.Nil(t, out)
	assert.Error(t, out.Scan(42))
}

func TestValidateUsername(t *testing.T) {
	assert.NoError(t, ValidateUsername("al_ice-1"))
	assert.Error(t, ValidateUsername("al"))
	assert.Error(t, ValidateUsername(strings.Repeat("a", 21)))
	assert.Error(t, ValidateUsername("has space"))
	assert.Equal(t, "alice", UsernameKey(" Alice "))
}

func TestBodyValidate(t *testing.T) {
	cases := []struct {
		name string
		body Body
		ok   bool
	}{
		{"text", Body{Text: "hi"}, true},
		{"media", Body{Media: &Media{Kind: MediaImage, URL: "https://cdn.example.com/a.png"}}, true},
		{"both", Body{Text: "look", Media: &Media{Kind: MediaVideo, URL: "http://x.example/v.mp4"}}, true},
		{"empty", Body{}, false},
		{"whitespace", Body{Text: "   "}, false},
		{"empty media", Body{Media: &Media{}}, false},
		{"bad kind", Body{Media: &Media{Kind: "gif", URL: "https://x.example/a.gif"}}, false},
		{"relative url", Body{Media: &Media{Kind: MediaImage, URL: "/a.png"}}, false},
		{"too long", Body{Text: strings.Repeat("é", MaxTextLength+1)}, false},
		{"max length", Body{Text: strings.Repeat("é", MaxTextLength)}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.body.Normalize().Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestMessageVisibilityAndOrdering(t *testing.T) {
	pub := Message{ID: "b", AuthorID: "a", Scope: Public()}
	priv := Message{ID: "a", AuthorID: "a", Scope: Private("b")}

	assert.True(t, pub.VisibleTo("anyone"))
	assert.True(t, priv.VisibleTo("a"))
	assert.True(t, priv.VisibleTo("b"))
	assert.False(t, priv.VisibleTo("c"))

	ts := time.Now()
	msgs := []Message{
		{ID: "2", CreatedAt: ts},
		{ID: "3", CreatedAt: ts.Add(-time.Second)},
		{ID: "1", CreatedAt: ts},
	}
	SortMessages(msgs)
	assert.Equal(t, []string{"3", "1", "2"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
}

func TestChangeEventDecode(t *testing.T) {
	ev, err := MessageChanged(Message{ID: "m1", AuthorID: "u1", Body: Body{Text: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, EntityMessage, ev.Entity)
	assert.Equal(t, OpUpsert, ev.Op)

	m, err := ev.Message()
	require.NoError(t, err)
	assert.Equal(t, "hi", m.Body.Text)

	_, err = ev.User()
	assert.Error(t, err)

	uev, err := UserChanged(User{ID: "u1", Username: "alice", Credential: "secret-hash"})
	require.NoError(t, err)
	assert.NotContains(t, string(uev.Payload), "secret-hash")
}
