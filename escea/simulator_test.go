package escea

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testPortCounter int64 = 34000

// nextTestPort hands out a distinct loopback port per test so simulated
// fireplaces in different tests never collide.
func nextTestPort() int {
	return int(atomic.AddInt64(&testPortCounter, 1))
}

// fireplaceSim is a minimal real-UDP stand-in for a physical fireplace. It
// lets Controller/Discovery tests exercise a genuine socket round-trip
// instead of stopping at the message codec.
type fireplaceSim struct {
	conn   *net.UDPConn
	serial string

	mu           sync.Mutex
	fireIsOn     bool
	fanBoost     bool
	flameEffect  bool
	desiredTemp  int
	currentTemp  int
	hasNewTimers bool
	respond      bool
	counts       map[Command]int

	closed chan struct{}
	done   chan struct{}
}

func newFireplaceSim(t *testing.T, addr string, port int, serial string) *fireplaceSim {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP(addr), Port: port})
	require.NoError(t, err)

	s := &fireplaceSim{
		conn:        conn,
		serial:      serial,
		desiredTemp: 20,
		currentTemp: 18,
		respond:     true,
		counts:      make(map[Command]int),
		closed:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	go s.serve()
	return s
}

func (s *fireplaceSim) serve() {
	defer close(s.done)
	buf := make([]byte, 256)
	for {
		select {
		case <-s.closed:
			return
		default:
		}
		s.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		s.handle(buf[:n], from)
	}
}

func (s *fireplaceSim) handle(data []byte, from *net.UDPAddr) {
	if len(data) == 0 {
		return
	}
	cmd := Command(data[0])

	s.mu.Lock()
	s.counts[cmd]++
	respond := s.respond
	var reply []byte
	switch cmd {
	case CmdSearchForFires:
		reply = append([]byte{tagIAmAFire}, []byte(s.serial)...)
	case CmdStatusPlease:
		var flags byte
		if s.fireIsOn {
			flags |= 0x01
		}
		if s.fanBoost {
			flags |= 0x02
		}
		if s.flameEffect {
			flags |= 0x04
		}
		if s.hasNewTimers {
			flags |= 0x08
		}
		reply = []byte{tagStatus, flags, byte(s.desiredTemp), byte(s.currentTemp)}
	case CmdPowerOn:
		s.fireIsOn = true
		reply = []byte{tagAck, byte(cmd)}
	case CmdPowerOff:
		s.fireIsOn = false
		reply = []byte{tagAck, byte(cmd)}
	case CmdFanBoostOn:
		s.fanBoost = true
		reply = []byte{tagAck, byte(cmd)}
	case CmdFanBoostOff:
		s.fanBoost = false
		reply = []byte{tagAck, byte(cmd)}
	case CmdFlameEffectOn:
		s.flameEffect = true
		reply = []byte{tagAck, byte(cmd)}
	case CmdFlameEffectOff:
		s.flameEffect = false
		reply = []byte{tagAck, byte(cmd)}
	case CmdNewSetTemp:
		if len(data) >= 2 {
			s.desiredTemp = int(data[1])
		}
		reply = []byte{tagAck, byte(cmd)}
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if !respond {
		return
	}
	s.conn.WriteToUDP(reply, from)
}

func (s *fireplaceSim) setRespond(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.respond = v
}

func (s *fireplaceSim) setStatus(fireIsOn bool, fan FanMode, desiredTemp, currentTemp int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fireIsOn = fireIsOn
	s.fanBoost = fan == FanBoost
	s.flameEffect = fan == FanFlameEffect
	s.desiredTemp = desiredTemp
	s.currentTemp = currentTemp
}

func (s *fireplaceSim) bothFanBooleans() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fanBoost && s.flameEffect
}

func (s *fireplaceSim) count(cmd Command) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[cmd]
}

func (s *fireplaceSim) close() {
	close(s.closed)
	s.conn.Close()
	<-s.done
}
