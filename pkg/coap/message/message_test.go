package message

import "testing"

func TestCodeClassDetail(t *testing.T) {
	tests := []struct {
		name   string
		code   Code
		class  uint8
		detail uint8
		str    string
	}{
		{"content", Content, 2, 5, "2.05"},
		{"not found", NotFound, 4, 4, "4.04"},
		{"empty", Empty, 0, 0, "0.00"},
		{"get", GET, 0, 1, "0.01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.code.Class(); got != tt.class {
				t.Errorf("Class() = %d, want %d", got, tt.class)
			}
			if got := tt.code.Detail(); got != tt.detail {
				t.Errorf("Detail() = %d, want %d", got, tt.detail)
			}
			if got := tt.code.String(); got != tt.str {
				t.Errorf("String() = %q, want %q", got, tt.str)
			}
		})
	}
}

func TestCodeIsRequest(t *testing.T) {
	if !GET.IsRequest() {
		t.Error("GET should be a request code")
	}
	if Content.IsRequest() {
		t.Error("2.05 Content should not be a request code")
	}
	if Empty.IsRequest() {
		t.Error("0.00 empty should not be a request code")
	}
}

func TestNewEmpty(t *testing.T) {
	m := NewEmpty(Acknowledgement, 0x1001)
	if !m.Code.IsEmpty() {
		t.Error("empty message must carry code 0.00")
	}
	if len(m.Token) != 0 {
		t.Error("empty message must carry a zero-length token")
	}
	if len(m.Options) != 0 {
		t.Error("empty message must carry no options")
	}
	if len(m.Payload) != 0 {
		t.Error("empty message must carry no payload")
	}
	if m.MessageID != 0x1001 {
		t.Errorf("MessageID = %x, want 0x1001", m.MessageID)
	}
}

func TestMessageCloneIsIndependent(t *testing.T) {
	orig := Message{
		Token:   []byte{1, 2, 3},
		Payload: []byte("hello"),
		Options: Options{}.Add(OptionUriPath, []byte("t")),
	}
	clone := orig.Clone()

	clone.Token[0] = 0xff
	clone.Payload[0] = 'H'
	clone.Options[0].Value[0] = 'T'

	if orig.Token[0] == 0xff {
		t.Error("mutating clone token mutated original")
	}
	if orig.Payload[0] == 'H' {
		t.Error("mutating clone payload mutated original")
	}
	if orig.Options[0].Value[0] == 'T' {
		t.Error("mutating clone option value mutated original")
	}
}

func TestEndpointString(t *testing.T) {
	e := Endpoint{IP: "192.0.2.1", Port: 5683}
	if got, want := e.String(), "192.0.2.1:5683"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestTokenKeyDistinguishesLengthAndContent(t *testing.T) {
	a := TokenKey([]byte{0x00})
	b := TokenKey([]byte{0x00, 0x00})
	c := TokenKey(nil)
	if a == b {
		t.Error("tokens of different length must not collide")
	}
	if a == c {
		t.Error("non-empty and empty token must not collide")
	}
}
