// Package ftptest provides a small in-process FTP server for tests.
// It keeps stored files in memory and implements just enough of RFC
// 959 for the transfer worker: USER/PASS, TYPE, CWD/MKD/PWD, PASV,
// STOR with REST, RETR, SIZE, LIST, DELE, RNFR/RNTO, SITE, STAT and
// QUIT.
package ftptest

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Server is an in-process FTP server.
type Server struct {
	l    net.Listener
	Addr string

	mu       sync.Mutex
	files    map[string][]byte // absolute path -> content
	dirs     map[string]bool
	commands []string // every command line received, in order

	// User and Pass, when set, are required at login.
	User string
	Pass string

	// RefuseStor maps file names to a canned error reply for STOR,
	// letting tests exercise the busy-retry path.
	RefuseStor map[string]string

	// SizeNotSupported makes SIZE answer 502.
	SizeNotSupported bool

	wg     sync.WaitGroup
	closed bool
	conns  map[net.Conn]bool
}

// New starts a server on a random localhost port.
func New() (*Server, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		l:     l,
		Addr:  l.Addr().String(),
		files: make(map[string][]byte),
		dirs:  map[string]bool{"/": true},
		conns: make(map[net.Conn]bool),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Close stops accepting, drops live control connections and waits for
// running sessions. A client that never sent QUIT does not keep the
// server alive.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	s.l.Close()
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
}

// File returns the stored content of an absolute path.
func (s *Server) File(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[p]
	return b, ok
}

// PutFile seeds a stored file.
func (s *Server) PutFile(p string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[p] = content
	s.dirs[path.Dir(p)] = true
}

// Files lists stored absolute paths, sorted.
func (s *Server) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.files))
	for p := range s.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Commands returns every command line received so far.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.l.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = true
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
			}()
			s.serve(conn)
		}()
	}
}

type session struct {
	srv        *Server
	conn       net.Conn
	r          *bufio.Reader
	cwd        string
	user       string
	loggedIn   bool
	renameFrom string
	restOffset int64
	dataL      net.Listener
	dataAddr   string // active mode dial-back target from PORT
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	ss := &session{srv: s, conn: conn, r: bufio.NewReader(conn), cwd: "/"}
	ss.reply(220, "ftptest ready")
	for {
		line, err := ss.r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		s.mu.Lock()
		s.commands = append(s.commands, line)
		s.mu.Unlock()

		cmd, arg, _ := strings.Cut(line, " ")
		if !ss.dispatch(strings.ToUpper(cmd), arg) {
			return
		}
	}
}

func (ss *session) reply(code int, msg string) {
	fmt.Fprintf(ss.conn, "%d %s\r\n", code, msg)
}

// abs resolves a path argument against the session cwd.
func (ss *session) abs(p string) string {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}
	return path.Clean(path.Join(ss.cwd, p))
}

func (ss *session) dispatch(cmd, arg string) bool {
	s := ss.srv
	switch cmd {
	case "USER":
		ss.user = arg
		if s.User == "" {
			ss.loggedIn = true
			ss.reply(230, "User logged in")
		} else if arg == s.User {
			ss.reply(331, "Password required")
		} else {
			ss.reply(530, "Not logged in")
		}
	case "PASS":
		if s.User != "" && ss.user == s.User && arg == s.Pass {
			ss.loggedIn = true
			ss.reply(230, "User logged in")
		} else {
			ss.reply(530, "Not logged in")
		}
	case "TYPE":
		ss.reply(200, "Type set to "+arg)
	case "PWD":
		ss.reply(257, fmt.Sprintf("%q is current directory", ss.cwd))
	case "CWD":
		p := ss.abs(arg)
		s.mu.Lock()
		ok := s.dirs[p]
		s.mu.Unlock()
		if ok {
			ss.cwd = p
			ss.reply(250, "CWD successful")
		} else {
			ss.reply(550, "No such directory")
		}
	case "MKD":
		p := ss.abs(arg)
		s.mu.Lock()
		s.dirs[p] = true
		s.mu.Unlock()
		ss.reply(257, fmt.Sprintf("%q created", p))
	case "PASV":
		ss.handlePasv()
	case "PORT":
		ss.handlePort(arg)
	case "REST":
		n, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			ss.reply(501, "Bad REST")
		} else {
			ss.restOffset = n
			ss.reply(350, "Restarting at "+arg)
		}
	case "STOR":
		ss.handleStor(arg)
	case "APPE":
		s.mu.Lock()
		ss.restOffset = int64(len(s.files[ss.abs(arg)]))
		s.mu.Unlock()
		ss.handleStor(arg)
	case "RETR":
		ss.handleRetr(arg)
	case "SIZE":
		if s.SizeNotSupported {
			ss.reply(502, "SIZE not implemented")
			break
		}
		s.mu.Lock()
		b, ok := s.files[ss.abs(arg)]
		s.mu.Unlock()
		if ok {
			ss.reply(213, strconv.Itoa(len(b)))
		} else {
			ss.reply(550, "No such file")
		}
	case "LIST":
		ss.handleList(arg)
	case "DELE":
		p := ss.abs(arg)
		s.mu.Lock()
		_, ok := s.files[p]
		delete(s.files, p)
		s.mu.Unlock()
		if ok {
			ss.reply(250, "Deleted")
		} else {
			ss.reply(550, "No such file")
		}
	case "RNFR":
		ss.renameFrom = ss.abs(arg)
		ss.reply(350, "Ready for RNTO")
	case "RNTO":
		s.mu.Lock()
		b, ok := s.files[ss.renameFrom]
		if ok {
			delete(s.files, ss.renameFrom)
			s.files[ss.abs(arg)] = b
		}
		s.mu.Unlock()
		if ok {
			ss.reply(250, "Rename successful")
		} else {
			ss.reply(550, "No such file")
		}
	case "SITE":
		ss.reply(200, "SITE command okay")
	case "OPTS":
		ss.reply(200, "Okay")
	case "STAT":
		if arg == "" {
			ss.reply(211, "ftptest status okay")
		} else {
			ss.statList(arg)
		}
	case "NOOP":
		ss.reply(200, "Okay")
	case "QUIT":
		ss.reply(221, "Goodbye")
		return false
	default:
		ss.reply(502, "Command not implemented")
	}
	return true
}

func (ss *session) handlePasv() {
	if ss.dataL != nil {
		ss.dataL.Close()
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		ss.reply(425, "Cannot open data connection")
		return
	}
	ss.dataL = l
	port := l.Addr().(*net.TCPAddr).Port
	ss.reply(227, fmt.Sprintf("Entering Passive Mode (127,0,0,1,%d,%d)", port>>8, port&0xff))
}

func (ss *session) handlePort(arg string) {
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		ss.reply(501, "Bad PORT")
		return
	}
	nums := make([]int, 6)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 255 {
			ss.reply(501, "Bad PORT")
			return
		}
		nums[i] = n
	}
	host := fmt.Sprintf("%d.%d.%d.%d", nums[0], nums[1], nums[2], nums[3])
	ss.dataAddr = net.JoinHostPort(host, strconv.Itoa(nums[4]<<8|nums[5]))
	ss.reply(200, "PORT command successful")
}

func (ss *session) acceptData() (net.Conn, bool) {
	if ss.dataAddr != "" {
		conn, err := net.Dial("tcp", ss.dataAddr)
		ss.dataAddr = ""
		if err != nil {
			ss.reply(425, "Cannot open data connection")
			return nil, false
		}
		return conn, true
	}
	if ss.dataL == nil {
		ss.reply(425, "Use PASV first")
		return nil, false
	}
	conn, err := ss.dataL.Accept()
	ss.dataL.Close()
	ss.dataL = nil
	if err != nil {
		ss.reply(425, "Cannot open data connection")
		return nil, false
	}
	return conn, true
}

func (ss *session) handleStor(arg string) {
	s := ss.srv
	name := path.Base(ss.abs(arg))
	if msg, refused := s.RefuseStor[name]; refused {
		ss.reply(550, msg)
		return
	}

	offset := ss.restOffset
	ss.restOffset = 0
	ss.reply(150, "Opening data connection")
	data, ok := ss.acceptData()
	if !ok {
		return
	}
	body, err := io.ReadAll(data)
	data.Close()
	if err != nil {
		ss.reply(426, "Transfer aborted")
		return
	}

	p := ss.abs(arg)
	s.mu.Lock()
	if offset > 0 {
		prev := s.files[p]
		if int64(len(prev)) > offset {
			prev = prev[:offset]
		}
		body = append(append([]byte(nil), prev...), body...)
	}
	s.files[p] = body
	s.mu.Unlock()
	ss.reply(226, "Transfer complete")
}

func (ss *session) handleRetr(arg string) {
	s := ss.srv
	s.mu.Lock()
	b, ok := s.files[ss.abs(arg)]
	s.mu.Unlock()
	if !ok {
		ss.reply(550, "No such file")
		return
	}
	ss.reply(150, "Opening data connection")
	data, dok := ss.acceptData()
	if !dok {
		return
	}
	data.Write(b)
	data.Close()
	ss.reply(226, "Transfer complete")
}

func (ss *session) listLine(p string) string {
	ss.srv.mu.Lock()
	n := len(ss.srv.files[p])
	ss.srv.mu.Unlock()
	return fmt.Sprintf("-rw-r--r-- 1 ftp ftp %d Jan  1 00:00 %s", n, path.Base(p))
}

func (ss *session) handleList(arg string) {
	s := ss.srv
	ss.reply(150, "Opening data connection")
	data, ok := ss.acceptData()
	if !ok {
		return
	}
	target := ss.cwd
	if arg != "" {
		target = ss.abs(arg)
	}
	s.mu.Lock()
	var paths []string
	if _, isFile := s.files[target]; isFile {
		paths = append(paths, target)
	} else {
		for p := range s.files {
			if path.Dir(p) == target {
				paths = append(paths, p)
			}
		}
	}
	s.mu.Unlock()
	var lines []string
	for _, p := range paths {
		lines = append(lines, ss.listLine(p))
	}
	sort.Strings(lines)
	for _, l := range lines {
		fmt.Fprintf(data, "%s\r\n", l)
	}
	data.Close()
	ss.reply(226, "Transfer complete")
}

func (ss *session) statList(arg string) {
	p := ss.abs(arg)
	if _, ok := ss.srv.File(p); !ok {
		ss.reply(550, "No such file")
		return
	}
	fmt.Fprintf(ss.conn, "213-Status follows\r\n%s\r\n213 End of status\r\n", ss.listLine(p))
}
