package ws

import "testing"

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		kind    MessageKind
		raw     string
		wantErr bool
	}{
		{"chat with text", KindChatMessage, `{"text":"hello"}`, false},
		{"chat empty text", KindChatMessage, `{"text":""}`, true},
		{"chat malformed", KindChatMessage, `{"text":`, true},
		{"typing", KindTyping, `{"is_typing":true}`, false},
		{"typing empty payload", KindTyping, ``, false},
		{"read receipt", KindReadReceipt, `{"up_to_seq":5}`, false},
		{"offer with sdp", KindSignalOffer, `{"sdp":"v=0..."}`, false},
		{"offer missing sdp", KindSignalOffer, `{}`, true},
		{"answer missing sdp", KindSignalAnswer, `{}`, true},
		{"candidate present", KindSignalCandidate, `{"candidate":{"sdpMid":"0"}}`, false},
		{"candidate missing", KindSignalCandidate, `{}`, true},
		{"unknown kind", MessageKind("bogus"), `{}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.kind, []byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePayload(%s, %q) err = %v, wantErr %v", tt.kind, tt.raw, err, tt.wantErr)
			}
		})
	}
}

func TestParseRoomKind(t *testing.T) {
	for _, valid := range []string{"chat", "signaling", "emergency"} {
		if _, ok := ParseRoomKind(valid); !ok {
			t.Errorf("ParseRoomKind(%q) not recognized", valid)
		}
	}
	if _, ok := ParseRoomKind("video"); ok {
		t.Error("ParseRoomKind accepted unknown kind")
	}
}
