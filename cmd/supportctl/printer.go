package main

import (
	"fmt"
	"strings"

	"shophub/chatclient"
)

// printer 只输出两次视图之间新增的内容
type printer struct {
	state    chatclient.State
	selected string
	messages int
	notices  int
	presence string
	lastErr  string
}

func (p *printer) render(v chatclient.View) []string {
	var out []string
	if v.State != p.state {
		p.state = v.State
		out = append(out, fmt.Sprintf("-- %s as %s", v.State, v.Me.Name))
	}

	if v.Me.IsAdmin {
		if presence := formatPresence(v); presence != p.presence {
			p.presence = presence
			out = append(out, "-- online: "+presence)
		}
		if v.SelectedID != p.selected {
			p.selected = v.SelectedID
			p.messages = 0
			out = append(out, "-- conversation "+v.SelectedID)
		}
	}

	if len(v.Messages) < p.messages {
		p.messages = 0
	}
	for _, m := range v.Messages[p.messages:] {
		out = append(out, fmt.Sprintf("[%s] %s: %s", m.Timestamp.Format("15:04:05"), m.SenderName, m.Body))
	}
	p.messages = len(v.Messages)

	if len(v.Notices) < p.notices {
		p.notices = 0
	}
	for _, n := range v.Notices[p.notices:] {
		out = append(out, fmt.Sprintf("** %s: %s", n.Kind, n.Text))
	}
	p.notices = len(v.Notices)

	if v.LastError != nil {
		if e := v.LastError.Code + ": " + v.LastError.Message; e != p.lastErr {
			p.lastErr = e
			out = append(out, "! "+e)
		}
	}
	return out
}

func formatPresence(v chatclient.View) string {
	if len(v.Users) == 0 {
		return "(nobody)"
	}
	parts := make([]string, 0, len(v.Users))
	for _, u := range v.Users {
		s := u.ID + "(" + u.Name + ")"
		if u.Unread {
			s += "*"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, " ")
}
