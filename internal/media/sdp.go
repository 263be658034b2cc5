package media

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// ErrNoCommonCodec is returned when the remote offer and the local codec
// policy share no codec.
var ErrNoCommonCodec = errors.New("no common codec")

// Codec is one negotiable codec from an SDP rtpmap line.
type Codec struct {
	PayloadType int
	Name        string
	ClockRate   int
	Channels    int
}

// String returns the rtpmap attribute value for the codec.
func (c Codec) String() string {
	s := strconv.Itoa(c.PayloadType) + " " + c.Name + "/" + strconv.Itoa(c.ClockRate)
	if c.Channels > 1 {
		s += "/" + strconv.Itoa(c.Channels)
	}
	return s
}

// Static payload types that may appear in an m= line without an rtpmap.
var staticPayloads = map[int]Codec{
	0:  {PayloadType: 0, Name: "PCMU", ClockRate: 8000},
	8:  {PayloadType: 8, Name: "PCMA", ClockRate: 8000},
	9:  {PayloadType: 9, Name: "G722", ClockRate: 8000},
	18: {PayloadType: 18, Name: "G729", ClockRate: 8000},
}

// Offer is a parsed remote session description with the fields call control
// needs: where the audio goes, which codecs are on the table and whether the
// remote party is putting us on hold.
type Offer struct {
	sd      *sdp.SessionDescription
	Address string
	Port    int
	Codecs  []Codec
	// Direction is the audio stream direction, "sendrecv" when unspecified.
	Direction string
}

// ParseOffer parses an SDP body into an Offer. A session with no audio
// media section is an error.
func ParseOffer(body []byte) (*Offer, error) {
	sd := &sdp.SessionDescription{}
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parsing sdp: %w", err)
	}

	var audio *sdp.MediaDescription
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			audio = m
			break
		}
	}
	if audio == nil {
		return nil, errors.New("sdp has no audio media")
	}

	o := &Offer{
		sd:        sd,
		Port:      audio.MediaName.Port.Value,
		Direction: "sendrecv",
	}

	if audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil {
		o.Address = audio.ConnectionInformation.Address.Address
	} else if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		o.Address = sd.ConnectionInformation.Address.Address
	}

	rtpmaps := make(map[int]Codec)
	for _, a := range audio.Attributes {
		switch a.Key {
		case "rtpmap":
			if c, ok := parseRtpmap(a.Value); ok {
				rtpmaps[c.PayloadType] = c
			}
		case "sendrecv", "sendonly", "recvonly", "inactive":
			o.Direction = a.Key
		}
	}
	if o.Direction == "sendrecv" {
		for _, a := range sd.Attributes {
			switch a.Key {
			case "sendonly", "recvonly", "inactive":
				o.Direction = a.Key
			}
		}
	}

	for _, f := range audio.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		if c, ok := rtpmaps[pt]; ok {
			o.Codecs = append(o.Codecs, c)
		} else if c, ok := staticPayloads[pt]; ok {
			o.Codecs = append(o.Codecs, c)
		}
	}

	return o, nil
}

// Hold reports whether the offer places the session on hold: a sendonly or
// inactive stream, or the RFC 2543 zeroed connection address.
func (o *Offer) Hold() bool {
	if o.Direction == "sendonly" || o.Direction == "inactive" {
		return true
	}
	return o.Address == "0.0.0.0"
}

// Negotiate picks the codec to use for an offer against a codec policy.
// The policy is a comma-separated preference list ("PCMU,PCMA,opus"); the
// first policy entry present in the offer wins, matching names
// case-insensitively. An empty policy accepts the offer's first codec.
func Negotiate(o *Offer, policy string) (Codec, error) {
	if len(o.Codecs) == 0 {
		return Codec{}, ErrNoCommonCodec
	}
	if policy == "" {
		return o.Codecs[0], nil
	}
	for _, want := range strings.Split(policy, ",") {
		want = strings.TrimSpace(want)
		for _, c := range o.Codecs {
			if strings.EqualFold(c.Name, want) {
				return c, nil
			}
		}
	}
	return Codec{}, ErrNoCommonCodec
}

// BuildDescription renders a minimal audio session description for the given
// local endpoint, codec set and stream direction.
func BuildDescription(addr string, port int, codecs []Codec, direction string) ([]byte, error) {
	formats := make([]string, 0, len(codecs))
	attrs := make([]sdp.Attribute, 0, len(codecs)+2)
	for _, c := range codecs {
		formats = append(formats, strconv.Itoa(c.PayloadType))
		attrs = append(attrs, sdp.Attribute{Key: "rtpmap", Value: c.String()})
		if strings.EqualFold(c.Name, "telephone-event") {
			attrs = append(attrs, sdp.Attribute{Key: "fmtp", Value: strconv.Itoa(c.PayloadType) + " 0-16"})
		}
	}
	if direction == "" {
		direction = "sendrecv"
	}
	attrs = append(attrs, sdp.Attribute{Key: direction})

	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "softswitch",
			SessionID:      uint64(port),
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "softswitch",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: attrs,
			},
		},
	}
	out, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling sdp: %w", err)
	}
	return out, nil
}

func parseRtpmap(value string) (Codec, bool) {
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return Codec{}, false
	}
	pt, err := strconv.Atoi(parts[0])
	if err != nil {
		return Codec{}, false
	}
	enc := strings.Split(parts[1], "/")
	if len(enc) < 2 {
		return Codec{}, false
	}
	rate, err := strconv.Atoi(enc[1])
	if err != nil {
		return Codec{}, false
	}
	c := Codec{PayloadType: pt, Name: enc[0], ClockRate: rate, Channels: 1}
	if len(enc) >= 3 {
		if ch, err := strconv.Atoi(enc[2]); err == nil {
			c.Channels = ch
		}
	}
	return c, true
}
