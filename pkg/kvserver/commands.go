package kvserver

import (
	"fmt"
	"strings"

	"github.com/pzhenzhou/pipekv/pkg/respio"
)

type commandFunc func(s *Store, args []*respio.RespPacket) *respio.RespPacket

type command struct {
	// arity counts the command name; a negative arity is a minimum.
	arity int
	fn    commandFunc
}

var commands = map[string]command{
	"GET":  {arity: 2, fn: getCommand},
	"SET":  {arity: 3, fn: setCommand},
	"DEL":  {arity: -2, fn: delCommand},
	"INCR": {arity: 2, fn: incrCommand},
	"PING": {arity: -1, fn: pingCommand},
	"ECHO": {arity: 2, fn: echoCommand},
}

// Execute runs one decoded command against s and returns its reply. Malformed commands and
// unknown names produce error replies, never Go errors.
func Execute(s *Store, cmd *respio.RespPacket) *respio.RespPacket {
	if cmd.Type != respio.RespArray || len(cmd.Array) == 0 {
		return respio.NewError("ERR Protocol error: expected a command array")
	}
	for _, arg := range cmd.Array {
		if arg.Type != respio.RespString || arg.Data == nil {
			return respio.NewError("ERR Protocol error: expected bulk string arguments")
		}
	}
	name := string(cmd.Array[0].Data)
	c, ok := commands[strings.ToUpper(name)]
	if !ok {
		return respio.NewError(fmt.Sprintf("ERR unknown command '%s'", name))
	}
	n := len(cmd.Array)
	if (c.arity > 0 && n != c.arity) || (c.arity < 0 && n < -c.arity) {
		return respio.NewError(fmt.Sprintf("ERR wrong number of arguments for '%s' command",
			strings.ToLower(name)))
	}
	return c.fn(s, cmd.Array[1:])
}

func getCommand(s *Store, args []*respio.RespPacket) *respio.RespPacket {
	value, ok := s.Get(string(args[0].Data))
	if !ok {
		return respio.NullBulk()
	}
	return respio.NewBulk(value)
}

func setCommand(s *Store, args []*respio.RespPacket) *respio.RespPacket {
	s.Set(string(args[0].Data), args[1].Data)
	return respio.NewStatus(string(respio.OkStatus))
}

func delCommand(s *Store, args []*respio.RespPacket) *respio.RespPacket {
	keys := make([]string, len(args))
	for i, arg := range args {
		keys[i] = string(arg.Data)
	}
	return respio.NewInt(s.Del(keys...))
}

func incrCommand(s *Store, args []*respio.RespPacket) *respio.RespPacket {
	n, err := s.Incr(string(args[0].Data))
	if err != nil {
		return respio.NewError(err.Error())
	}
	return respio.NewInt(n)
}

func pingCommand(_ *Store, args []*respio.RespPacket) *respio.RespPacket {
	switch len(args) {
	case 0:
		return respio.NewStatus(string(respio.PongStatus))
	case 1:
		return respio.NewBulk(args[0].Data)
	default:
		return respio.NewError("ERR wrong number of arguments for 'ping' command")
	}
}

func echoCommand(_ *Store, args []*respio.RespPacket) *respio.RespPacket {
	return respio.NewBulk(args[0].Data)
}
