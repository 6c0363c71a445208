package storage

import logx "cellwatch/pkg/logx"

func logxNop() logx.Logger { return logx.Nop() }
