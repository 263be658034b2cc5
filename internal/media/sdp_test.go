package media

import (
	"errors"
	"strings"
	"testing"
)

// Typical offer from a SIP phone with audio codecs.
const testOffer = `v=0
o=alice 2890844526 2890844526 IN IP4 192.168.1.100
s=Phone Call
c=IN IP4 192.168.1.100
t=0 0
m=audio 49170 RTP/AVP 0 8 111 101
a=rtpmap:0 PCMU/8000
a=rtpmap:8 PCMA/8000
a=rtpmap:111 opus/48000/2
a=fmtp:111 minptime=10;useinbandfec=1
a=rtpmap:101 telephone-event/8000
a=fmtp:101 0-16
a=sendrecv
`

func TestParseOffer(t *testing.T) {
	o, err := ParseOffer([]byte(testOffer))
	if err != nil {
		t.Fatalf("ParseOffer failed: %v", err)
	}

	if o.Address != "192.168.1.100" {
		t.Errorf("address = %q, want %q", o.Address, "192.168.1.100")
	}
	if o.Port != 49170 {
		t.Errorf("port = %d, want 49170", o.Port)
	}
	if o.Direction != "sendrecv" {
		t.Errorf("direction = %q, want sendrecv", o.Direction)
	}

	want := []string{"PCMU", "PCMA", "opus", "telephone-event"}
	if len(o.Codecs) != len(want) {
		t.Fatalf("codec count = %d, want %d", len(o.Codecs), len(want))
	}
	for i, name := range want {
		if o.Codecs[i].Name != name {
			t.Errorf("codec[%d] = %q, want %q", i, o.Codecs[i].Name, name)
		}
	}
	if o.Codecs[2].Channels != 2 {
		t.Errorf("opus channels = %d, want 2", o.Codecs[2].Channels)
	}
}

func TestParseOfferStaticPayloadsOnly(t *testing.T) {
	// No rtpmap lines at all; static payload types must still resolve.
	body := `v=0
o=- 1 1 IN IP4 10.0.0.1
s=-
c=IN IP4 10.0.0.1
t=0 0
m=audio 4000 RTP/AVP 0 18
`
	o, err := ParseOffer([]byte(body))
	if err != nil {
		t.Fatalf("ParseOffer failed: %v", err)
	}
	if len(o.Codecs) != 2 {
		t.Fatalf("codec count = %d, want 2", len(o.Codecs))
	}
	if o.Codecs[0].Name != "PCMU" || o.Codecs[1].Name != "G729" {
		t.Errorf("codecs = %v, want PCMU, G729", o.Codecs)
	}
}

func TestParseOfferNoAudio(t *testing.T) {
	body := `v=0
o=- 1 1 IN IP4 10.0.0.1
s=-
c=IN IP4 10.0.0.1
t=0 0
m=video 4000 RTP/AVP 96
a=rtpmap:96 VP8/90000
`
	if _, err := ParseOffer([]byte(body)); err == nil {
		t.Fatal("expected error for offer without audio media")
	}
}

func TestOfferHold(t *testing.T) {
	tests := []struct {
		name      string
		direction string
		address   string
		want      bool
	}{
		{"active", "sendrecv", "10.0.0.1", false},
		{"sendonly", "sendonly", "10.0.0.1", true},
		{"inactive", "inactive", "10.0.0.1", true},
		{"recvonly", "recvonly", "10.0.0.1", false},
		{"zeroed address", "sendrecv", "0.0.0.0", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &Offer{Address: tt.address, Direction: tt.direction}
			if got := o.Hold(); got != tt.want {
				t.Errorf("Hold() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNegotiate(t *testing.T) {
	o, err := ParseOffer([]byte(testOffer))
	if err != nil {
		t.Fatalf("ParseOffer failed: %v", err)
	}

	tests := []struct {
		name    string
		policy  string
		want    string
		wantErr bool
	}{
		{"empty policy takes first offered", "", "PCMU", false},
		{"first policy match wins", "opus,PCMU", "opus", false},
		{"case insensitive", "pcma", "PCMA", false},
		{"policy order beats offer order", "PCMA,PCMU", "PCMA", false},
		{"no overlap", "G729,G722", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := Negotiate(o, tt.policy)
			if tt.wantErr {
				if !errors.Is(err, ErrNoCommonCodec) {
					t.Fatalf("err = %v, want ErrNoCommonCodec", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Negotiate failed: %v", err)
			}
			if c.Name != tt.want {
				t.Errorf("codec = %q, want %q", c.Name, tt.want)
			}
		})
	}
}

func TestNegotiateEmptyOffer(t *testing.T) {
	o := &Offer{}
	if _, err := Negotiate(o, "PCMU"); !errors.Is(err, ErrNoCommonCodec) {
		t.Fatalf("err = %v, want ErrNoCommonCodec", err)
	}
}

func TestBuildDescription(t *testing.T) {
	codecs := []Codec{
		{PayloadType: 0, Name: "PCMU", ClockRate: 8000},
		{PayloadType: 101, Name: "telephone-event", ClockRate: 8000},
	}
	body, err := BuildDescription("203.0.113.5", 16384, codecs, "")
	if err != nil {
		t.Fatalf("BuildDescription failed: %v", err)
	}

	s := string(body)
	for _, want := range []string{
		"c=IN IP4 203.0.113.5",
		"m=audio 16384 RTP/AVP 0 101",
		"a=rtpmap:0 PCMU/8000",
		"a=rtpmap:101 telephone-event/8000",
		"a=fmtp:101 0-16",
		"a=sendrecv",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("description missing %q:\n%s", want, s)
		}
	}

	// Output must parse back as a valid offer.
	o, err := ParseOffer(body)
	if err != nil {
		t.Fatalf("reparsing built description: %v", err)
	}
	if o.Port != 16384 {
		t.Errorf("reparsed port = %d, want 16384", o.Port)
	}
}

func TestBuildDescriptionHoldDirection(t *testing.T) {
	body, err := BuildDescription("10.0.0.1", 4000, []Codec{{PayloadType: 0, Name: "PCMU", ClockRate: 8000}}, "sendonly")
	if err != nil {
		t.Fatalf("BuildDescription failed: %v", err)
	}
	o, err := ParseOffer(body)
	if err != nil {
		t.Fatalf("reparsing: %v", err)
	}
	if !o.Hold() {
		t.Error("sendonly description should report hold")
	}
}
