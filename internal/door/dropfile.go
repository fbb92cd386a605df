// Package door runs external door programs on a pty and writes the
// dropfiles they read to learn who is calling.
package door

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DoorSys    = "DOOR.SYS"
	DorInfo    = "DORINFO1.DEF"
	doorSysLen = 52
)

// Dropfile is the caller information handed to a door.
type Dropfile struct {
	BBSName     string
	SysopName   string
	Node        int
	Handle      string
	Location    string
	Security    int
	Calls       int
	LastCall    time.Time
	MinutesLeft int
	ANSI        bool
	Rows        int
	Record      int
}

// Format names a dropfile layout.
func Format(name string) (string, error) {
	switch strings.ToUpper(name) {
	case "", DoorSys:
		return DoorSys, nil
	case DorInfo:
		return DorInfo, nil
	}
	return "", fmt.Errorf("unsupported dropfile %q", name)
}

func yn(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}

// WriteDoorSys writes the 52-line DOOR.SYS layout.
func WriteDoorSys(w io.Writer, d Dropfile) error {
	graphics := "NG"
	if d.ANSI {
		graphics = "GR"
	}
	lastCall := d.LastCall
	if lastCall.IsZero() {
		lastCall = time.Now()
	}
	now := time.Now()
	lines := []string{
		"COM0:",
		"0",
		"8",
		strconv.Itoa(d.Node),
		"0",
		"Y", "Y", "Y", "Y",
		d.Handle,
		d.Location,
		"", "", "",
		strconv.Itoa(d.Security),
		strconv.Itoa(d.Calls),
		lastCall.Format("01/02/06"),
		strconv.Itoa(d.MinutesLeft * 60),
		strconv.Itoa(d.MinutesLeft),
		graphics,
		strconv.Itoa(d.Rows),
		"Y",
		"", "",
		"12/31/99",
		strconv.Itoa(d.Record),
		"Z",
		"0", "0", "0", "9999",
		"01/01/70",
		"", "",
		d.SysopName,
		d.Handle,
		"00:05",
		"Y",
		yn(d.ANSI),
		"Y",
		"7",
		"0",
		lastCall.Format("01/02/06"),
		now.Format("15:04"),
		lastCall.Format("15:04"),
		"9999", "0", "0", "0",
		"",
		"0", "0",
	}
	bw := bufio.NewWriter(w)
	for _, l := range lines {
		bw.WriteString(l)
		bw.WriteString("\r\n")
	}
	return bw.Flush()
}

// ReadDoorSys reads back the fields a door may change. Only the node,
// handle and time remaining are parsed.
func ReadDoorSys(r io.Reader) (Dropfile, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return Dropfile{}, err
	}
	if len(lines) < 19 {
		return Dropfile{}, fmt.Errorf("door.sys: %d lines, want %d", len(lines), doorSysLen)
	}
	var d Dropfile
	d.Node, _ = strconv.Atoi(lines[3])
	d.Handle = lines[9]
	d.Location = lines[10]
	d.Security, _ = strconv.Atoi(lines[14])
	d.Calls, _ = strconv.Atoi(lines[15])
	secs, err1 := strconv.Atoi(lines[17])
	mins, err2 := strconv.Atoi(lines[18])
	switch {
	case err1 == nil:
		d.MinutesLeft = secs / 60
	case err2 == nil:
		d.MinutesLeft = mins
	default:
		return Dropfile{}, fmt.Errorf("door.sys: bad time remaining %q/%q", lines[17], lines[18])
	}
	if len(lines) > 19 {
		d.ANSI = lines[19] == "GR"
	}
	if len(lines) > 20 {
		d.Rows, _ = strconv.Atoi(lines[20])
	}
	return d, nil
}

// WriteDorInfo writes the 13-line DORINFO1.DEF layout.
func WriteDorInfo(w io.Writer, d Dropfile) error {
	sysFirst, sysLast := splitName(d.SysopName)
	first, last := splitName(d.Handle)
	graphics := "0"
	if d.ANSI {
		graphics = "1"
	}
	lines := []string{
		d.BBSName,
		sysFirst, sysLast,
		"COM0",
		"0 BAUD,N,8,1",
		"0",
		first, last,
		d.Location,
		graphics,
		strconv.Itoa(d.Security),
		strconv.Itoa(d.MinutesLeft),
		"-1",
	}
	bw := bufio.NewWriter(w)
	for _, l := range lines {
		bw.WriteString(l)
		bw.WriteString("\r\n")
	}
	return bw.Flush()
}

func splitName(s string) (string, string) {
	first, last, _ := strings.Cut(strings.TrimSpace(s), " ")
	if last == "" {
		last = "NLN"
	}
	return first, strings.TrimSpace(last)
}

// WriteFile writes d in format to path, replacing any earlier file.
func WriteFile(path, format string, d Dropfile) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if format == DorInfo {
		err = WriteDorInfo(f, d)
	} else {
		err = WriteDoorSys(f, d)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", format, err)
	}
	return f.Close()
}

// ReadFile reads a DOOR.SYS from path.
func ReadFile(path string) (Dropfile, error) {
	f, err := os.Open(path)
	if err != nil {
		return Dropfile{}, err
	}
	defer f.Close()
	return ReadDoorSys(f)
}

// Elapsed is the number of minutes to charge for a door call. A door that
// rewrote DOOR.SYS with less time remaining is trusted; otherwise the wall
// clock is charged, rounded up to whole minutes.
func Elapsed(before, after Dropfile, wall time.Duration) int {
	if after.MinutesLeft >= 0 && after.MinutesLeft < before.MinutesLeft {
		return before.MinutesLeft - after.MinutesLeft
	}
	mins := int((wall + time.Minute - 1) / time.Minute)
	return max(mins, 0)
}
