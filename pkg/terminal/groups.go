package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	processCmds
	memoryCmds
	scriptCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Processes and modules", processCmds},
	{"Reading and writing memory", memoryCmds},
	{"Scripting", scriptCmds},
	{"Other commands", otherCmds},
}
