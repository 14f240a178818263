package opening

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/freeeve/enginearena/internal/game"
)

// EPD is one parsed EPD or FEN line.
type EPD struct {
	FEN     string
	Opcodes map[string]string
}

// ParseEPD parses "<4 FEN fields> [halfmove fullmove] [opcode operands;]...".
// The returned FEN always carries move counters.
func ParseEPD(line string) (EPD, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return EPD{}, fmt.Errorf("invalid EPD %q", line)
	}
	fen := fields[:4]
	rest := fields[4:]
	if len(rest) >= 2 && isNumber(rest[0]) && isNumber(rest[1]) {
		fen = append(fen, rest[0], rest[1])
		rest = rest[2:]
	}
	e := EPD{
		FEN:     game.NormalizeFEN(strings.Join(fen, " ")),
		Opcodes: make(map[string]string),
	}
	for _, op := range strings.Split(strings.Join(rest, " "), ";") {
		op = strings.TrimSpace(op)
		if op == "" {
			continue
		}
		key, val, _ := strings.Cut(op, " ")
		e.Opcodes[key] = strings.Trim(strings.TrimSpace(val), `"`)
	}
	return e, nil
}

func isNumber(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}
