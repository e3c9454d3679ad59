package admin

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/tidwall/redcon"

	"github.com/10yihang/pwarelay/internal/cache"
	"github.com/10yihang/pwarelay/internal/clients"
	"github.com/10yihang/pwarelay/internal/envelope"
	"github.com/10yihang/pwarelay/internal/queue"
	"github.com/10yihang/pwarelay/internal/worker"
	"github.com/10yihang/pwarelay/pkg/errors"
)

// CommandFunc handles one console command.
type CommandFunc func(ctx context.Context, conn redcon.Conn, args [][]byte)

// Deps are the components the console inspects.
type Deps struct {
	Store    *cache.Store
	Queue    *queue.Queue
	Registry *clients.Registry
	Worker   *worker.Worker
	Socket   worker.Socket
}

type Handler struct {
	deps     Deps
	commands map[string]CommandFunc
}

func NewHandler(deps Deps) *Handler {
	h := &Handler{
		deps:     deps,
		commands: make(map[string]CommandFunc),
	}
	h.registerCommands()
	return h
}

func (h *Handler) registerCommands() {
	h.commands["PING"] = h.cmdPing
	h.commands["QUIT"] = h.cmdQuit
	h.commands["INFO"] = h.cmdInfo
	h.commands["STATE"] = h.cmdState

	h.commands["PARTITIONS"] = h.cmdPartitions
	h.commands["KEYS"] = h.cmdKeys
	h.commands["GET"] = h.cmdGet
	h.commands["DEL"] = h.cmdDel

	h.commands["QLEN"] = h.cmdQLen
	h.commands["QLIST"] = h.cmdQList
	h.commands["DRAIN"] = h.cmdDrain

	h.commands["CONNECT"] = h.cmdConnect
	h.commands["DISCONNECT"] = h.cmdDisconnect
	h.commands["CLIENTS"] = h.cmdClients
	h.commands["BROADCAST"] = h.cmdBroadcast
}

// Execute runs the command name with args and writes the reply to conn.
func (h *Handler) Execute(ctx context.Context, conn redcon.Conn, name []byte, args [][]byte) {
	fn, ok := h.commands[strings.ToUpper(string(name))]
	if !ok {
		conn.WriteError("ERR unknown command '" + string(name) + "'")
		return
	}
	fn(ctx, conn, args)
}

func wrongArgs(conn redcon.Conn, cmd string) {
	conn.WriteError("ERR wrong number of arguments for '" + strings.ToLower(cmd) + "' command")
}

func (h *Handler) cmdPing(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteString("PONG")
		return
	}
	conn.WriteBulk(args[0])
}

func (h *Handler) cmdQuit(ctx context.Context, conn redcon.Conn, args [][]byte) {
	conn.WriteString("OK")
	conn.Close()
}

func (h *Handler) cmdState(ctx context.Context, conn redcon.Conn, args [][]byte) {
	conn.WriteBulkString(h.deps.Socket.State().String())
}

func (h *Handler) cmdInfo(ctx context.Context, conn redcon.Conn, args [][]byte) {
	st, err := h.deps.Worker.Status(ctx)
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	parts := h.deps.Store.Partitions()

	var b strings.Builder
	b.WriteString("# Relay\r\n")
	fmt.Fprintf(&b, "state:%s\r\n", st.State)
	fmt.Fprintf(&b, "connected:%t\r\n", st.Connected)
	fmt.Fprintf(&b, "clients:%d\r\n", st.Clients)
	fmt.Fprintf(&b, "queued:%d\r\n", st.Queued)
	b.WriteString("# Cache\r\n")
	fmt.Fprintf(&b, "static:%s\r\n", parts.Static)
	fmt.Fprintf(&b, "dynamic:%s\r\n", parts.Dynamic)
	conn.WriteBulkString(b.String())
}

func (h *Handler) cmdPartitions(ctx context.Context, conn redcon.Conn, args [][]byte) {
	names, err := h.deps.Store.Engine().Partitions(ctx)
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteArray(len(names))
	for _, n := range names {
		conn.WriteBulkString(n)
	}
}

// partition maps a console argument to a current partition name. The
// aliases "static" and "dynamic" are accepted.
func (h *Handler) partition(arg []byte) (string, error) {
	parts := h.deps.Store.Partitions()
	switch name := string(arg); name {
	case "static", parts.Static:
		return parts.Static, nil
	case "dynamic", parts.Dynamic:
		return parts.Dynamic, nil
	default:
		return "", fmt.Errorf("%w: %s", errors.ErrUnknownPartition, name)
	}
}

func (h *Handler) cmdKeys(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) < 1 || len(args) > 2 {
		wrongArgs(conn, "KEYS")
		return
	}
	p, err := h.partition(args[0])
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	var prefix string
	if len(args) == 2 {
		prefix = string(args[1])
	}

	var keys []string
	for k, err := range h.deps.Store.ListKeys(ctx, p, prefix) {
		if err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
		keys = append(keys, k)
	}
	conn.WriteArray(len(keys))
	for _, k := range keys {
		conn.WriteBulkString(k)
	}
}

func (h *Handler) cmdGet(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 2 {
		wrongArgs(conn, "GET")
		return
	}
	p, err := h.partition(args[0])
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	rec, err := h.deps.Store.Get(ctx, p, string(args[1]))
	if stderrors.Is(err, errors.ErrKeyNotFound) {
		conn.WriteNull()
		return
	}
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteBulk(rec.Body)
}

func (h *Handler) cmdDel(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 2 {
		wrongArgs(conn, "DEL")
		return
	}
	p, err := h.partition(args[0])
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	key := string(args[1])
	if _, err := h.deps.Store.Get(ctx, p, key); err != nil {
		if stderrors.Is(err, errors.ErrKeyNotFound) {
			conn.WriteInt(0)
			return
		}
		conn.WriteError("ERR " + err.Error())
		return
	}
	if err := h.deps.Store.Delete(ctx, p, key); err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteInt(1)
}

func (h *Handler) cmdQLen(ctx context.Context, conn redcon.Conn, args [][]byte) {
	n, err := h.deps.Queue.Len(ctx)
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteInt(n)
}

func (h *Handler) cmdQList(ctx context.Context, conn redcon.Conn, args [][]byte) {
	actions, err := h.deps.Queue.List(ctx)
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteArray(len(actions))
	for _, a := range actions {
		b, err := json.Marshal(a)
		if err != nil {
			conn.WriteNull()
			continue
		}
		conn.WriteBulk(b)
	}
}

func (h *Handler) cmdDrain(ctx context.Context, conn redcon.Conn, args [][]byte) {
	res, err := h.deps.Worker.Drain(ctx)
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteArray(2)
	conn.WriteInt(len(res.Replayed))
	conn.WriteInt(len(res.Failed))
}

func (h *Handler) cmdConnect(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if h.deps.Socket.Connect() {
		conn.WriteInt(1)
		return
	}
	conn.WriteInt(0)
}

func (h *Handler) cmdDisconnect(ctx context.Context, conn redcon.Conn, args [][]byte) {
	h.deps.Socket.Disconnect()
	conn.WriteString("OK")
}

func (h *Handler) cmdClients(ctx context.Context, conn redcon.Conn, args [][]byte) {
	pages := h.deps.Registry.Snapshot(clients.MatchOptions{IncludeUncontrolled: true})
	conn.WriteArray(len(pages))
	for _, p := range pages {
		conn.WriteBulkString(string(p.ID()))
	}
}

func (h *Handler) cmdBroadcast(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		wrongArgs(conn, "BROADCAST")
		return
	}
	if _, err := envelope.Parse(args[0]); err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	frame := append([]byte(nil), args[0]...)
	d := h.deps.Worker.Broadcaster().BroadcastRaw(frame, "")
	conn.WriteInt(d.Delivered)
}
