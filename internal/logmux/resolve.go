// Package logmux carries worker log output to the master's central sink.
//
// Workers log through a Forwarder, which writes locally and sends each record
// over the worker channel. The master's Multiplexer resolves the severity of
// each record, tags it with the worker id and writes it to a Sink.
package logmux

import (
	"fmt"

	"github.com/stickypool/stickypool/internal/protocol"
	"github.com/stickypool/stickypool/pkg/utils"
)

// LevelLog marks a record from an unleveled Log call.
const LevelLog = "log"

var levels = map[string]utils.LogLevel{
	"debug":  utils.DEBUG,
	"info":   utils.INFO,
	"notice": utils.NOTICE,
	"warn":   utils.WARN,
	"error":  utils.ERROR,
}

// Tag returns the prefix identifying a worker in the central sink.
func Tag(workerID int) string {
	return fmt.Sprintf("worker %d:", workerID)
}

// Resolve returns the severity and text of a forwarded record. A leveled
// record keeps its own level and text. For an unleveled record, a leading
// argument naming a level sets the severity and is dropped from the text;
// any other unleveled record goes to debug. The worker tag always leads the
// text.
func Resolve(workerID int, level string, args []interface{}) (utils.LogLevel, string) {
	if lv, ok := levels[level]; ok {
		return lv, joinTagged(workerID, args)
	}
	if level == LevelLog && len(args) > 0 {
		if first, ok := args[0].(string); ok {
			if lv, ok := levels[first]; ok {
				return lv, joinTagged(workerID, args[1:])
			}
		}
	}
	return utils.DEBUG, joinTagged(workerID, args)
}

func joinTagged(workerID int, args []interface{}) string {
	text := protocol.JoinArgs(args)
	if text == "" {
		return Tag(workerID)
	}
	return Tag(workerID) + " " + text
}
