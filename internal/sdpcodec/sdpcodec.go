// Package sdpcodec parses and builds the small, GB28181-specific
// subset of SDP this agent exchanges with a platform: it deliberately
// does not implement general RFC 4566 grammar, since GB28181 adds
// non-standard lines (`y=`, `f=`) that fall outside it.
package sdpcodec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidDescriptor is returned by Validate for a descriptor with
// an empty remote host or a zero remote port.
var ErrInvalidDescriptor = errors.New("sdpcodec: descriptor missing remote host or port")

// Descriptor is the subset of an SDP offer or answer this agent acts
// on.
type Descriptor struct {
	RemoteHost string
	RemotePort int
	MediaKind  string // "video" or "audio"
	Transport  string // "tcp" or "udp"
	Setup      string // "active" or "passive"
	SSRC       string // decimal, per GB28181; may be empty
	RTPMap     map[int]string
}

// Validate rejects a descriptor with an empty remote host or a zero
// remote port.
func (d Descriptor) Validate() error {
	if d.RemoteHost == "" || d.RemotePort == 0 {
		return ErrInvalidDescriptor
	}
	return nil
}

// Parse extracts a Descriptor from raw SDP text, tolerating leading
// and trailing whitespace on each line.
func Parse(sdp string) (Descriptor, error) {
	var d Descriptor
	d.RTPMap = make(map[int]string)

	for _, rawLine := range strings.Split(sdp, "\n") {
		line := strings.TrimSpace(rawLine)
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		kind, value := line[0], strings.TrimSpace(line[2:])
		switch kind {
		case 'c':
			// c=IN IP4 <addr>
			fields := strings.Fields(value)
			if len(fields) >= 3 {
				d.RemoteHost = fields[2]
			}
		case 'm':
			// m=<kind> <port> <proto> ...
			fields := strings.Fields(value)
			if len(fields) >= 3 {
				d.MediaKind = fields[0]
				if port, err := strconv.Atoi(fields[1]); err == nil {
					d.RemotePort = port
				}
				if strings.Contains(strings.ToUpper(fields[2]), "TCP") {
					d.Transport = "tcp"
				} else {
					d.Transport = "udp"
				}
			}
		case 'a':
			switch {
			case strings.HasPrefix(value, "setup:"):
				d.Setup = strings.TrimPrefix(value, "setup:")
			case strings.HasPrefix(value, "rtpmap:"):
				rest := strings.TrimPrefix(value, "rtpmap:")
				fields := strings.Fields(rest)
				if len(fields) == 2 {
					if pt, err := strconv.Atoi(fields[0]); err == nil {
						d.RTPMap[pt] = fields[1]
					}
				}
			}
		case 'y':
			d.SSRC = value
		}
	}
	return d, nil
}

// BuildUpstreamAnswer builds the device's SDP answer to a platform
// INVITE requesting the device push PS video. Port 9 signals "use the
// signalling-plane connection" by convention; the RTP sender still
// opens its own TCP connection to the platform's SDP-advertised
// address.
func BuildUpstreamAnswer(deviceID, localHost, ssrc string) string {
	lines := []string{
		"v=0",
		fmt.Sprintf("o=%s 0 0 IN IP4 %s", deviceID, localHost),
		"s=Play",
		"c=IN IP4 " + localHost,
		"t=0 0",
		"m=video 9 TCP/RTP/AVP 96",
		"a=sendonly",
		"a=rtpmap:96 PS/90000",
		"a=connection:new",
		"y=" + ssrc,
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}

// AudioPayloadType selects the PCMA/PCMU RTP payload type to
// advertise: 8 for A-law, 0 for µ-law.
type AudioPayloadType int

const (
	PayloadPCMA AudioPayloadType = 8
	PayloadPCMU AudioPayloadType = 0
)

// BuildDownstreamOffer builds the device's SDP offer requesting the
// platform push G.711 audio to localPort, advertising pt as the
// preferred payload type alongside PS (96, unused for audio but kept
// for platform compatibility with the upstream answer's rtpmap set).
func BuildDownstreamOffer(deviceID, localHost string, localPort int, pt AudioPayloadType, ssrc string) string {
	var rtpmapName string
	if pt == PayloadPCMA {
		rtpmapName = "PCMA"
	} else {
		rtpmapName = "PCMU"
	}
	lines := []string{
		"v=0",
		fmt.Sprintf("o=%s 0 0 IN IP4 %s", deviceID, localHost),
		"s=Play",
		"c=IN IP4 " + localHost,
		"t=0 0",
		fmt.Sprintf("m=audio %d TCP/RTP/AVP %d 96", localPort, int(pt)),
		"a=setup:active",
		fmt.Sprintf("a=rtpmap:%d %s/8000", int(pt), rtpmapName),
		"a=recvonly",
		"f=v/////a/1/8/1",
		"y=" + ssrc,
	}
	return strings.Join(lines, "\r\n") + "\r\n"
}
