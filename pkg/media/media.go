package media

// Constraints are the audio processing preferences from the account
// settings. They are advertised in the offer; processing itself happens in
// the client's audio pipeline.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
}

//Description sdp
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Codec is a static RTP payload mapping offered for audio.
type Codec struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
	Fmtp        string
}

// AudioCodecs is the fixed codec list, in preference order.
var AudioCodecs = []Codec{
	{PayloadType: 0, Name: "PCMU", ClockRate: 8000},
	{PayloadType: 8, Name: "PCMA", ClockRate: 8000},
	{PayloadType: 101, Name: "telephone-event", ClockRate: 8000, Fmtp: "0-16"},
}
