package duplex

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pion/sdp/v3"

	"pipelined.dev/duplex/codec"
	"pipelined.dev/duplex/rtp"
	"pipelined.dev/duplex/stage"
	"pipelined.dev/duplex/udp"
)

// Describe returns the session description of the local endpoint: the
// port it listens on, the codec it sends and the codec it receives when
// that one differs. Signalling is left to the caller.
func (s *Session) Describe(localIP string) (*sdp.SessionDescription, error) {
	info, err := codec.Lookup(s.config.codec())
	if err != nil {
		return nil, err
	}
	recv, err := codec.Lookup(s.config.receiveCodec())
	if err != nil {
		return nil, err
	}
	if s.config.ReceivePayloadType > 0 {
		recv.PayloadType = uint8(s.config.ReceivePayloadType)
	}
	addrType := "IP4"
	if ip := net.ParseIP(localIP); ip != nil && ip.To4() == nil {
		addrType = "IP6"
	}
	port := s.config.LocalPort
	if h, ok := s.graph.Lookup(StageNetSrc); ok {
		if v, err := s.graph.Parameter(h, udp.ParamPort); err == nil {
			if p, ok := v.(int); ok {
				port = p
			}
		}
	}
	ptime := 20 * time.Millisecond
	if h, ok := s.graph.Lookup(StagePay); ok {
		if v, err := s.graph.Parameter(h, rtp.ParamPtime); err == nil {
			if d, ok := v.(time.Duration); ok {
				ptime = d
			}
		}
	}
	formats := []string{strconv.Itoa(int(info.PayloadType))}
	attrs := []sdp.Attribute{rtpmap(info)}
	if recv != info {
		formats = append(formats, strconv.Itoa(int(recv.PayloadType)))
		attrs = append(attrs, rtpmap(recv))
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "ptime", Value: strconv.Itoa(int(ptime / time.Millisecond))},
		sdp.Attribute{Key: "sendrecv"},
	)
	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(s.id.Time().UnixNano()),
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: localIP,
		},
		SessionName: sdp.SessionName("duplex " + s.ID()),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: localIP},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
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
	}, nil
}

// rtpmap returns the attribute that maps payload type to encoding. Opus
// is always announced as stereo.
func rtpmap(info codec.Info) sdp.Attribute {
	v := fmt.Sprintf("%d %s/%d", info.PayloadType, info.Encoding, info.ClockRate)
	if info.Encoding == stage.OPUS {
		v = fmt.Sprintf("%d opus/%d/2", info.PayloadType, info.ClockRate)
	}
	return sdp.Attribute{Key: "rtpmap", Value: v}
}
