package bufpool

import "go.uber.org/zap"

// defaultLogger returns the logger used when Config does not specify one:
// silent, so importing this package never produces unsolicited output.
func defaultLogger() *zap.Logger {
	return zap.NewNop()
}
