package storage

import logx "relayfleet/pkg/logx"

func nopLog() logx.Logger { return logx.Nop() }
