package sharedb

import logx "cellwatch/pkg/logx"

func nopLogger() logx.Logger { return logx.Nop() }
