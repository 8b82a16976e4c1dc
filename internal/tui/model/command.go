package model

import "strings"

// Command is a composer line starting with ':'.
type Command struct {
	Name string
	Args string
}

// Commands lists the composer commands and their usage.
var Commands = []struct {
	Name  string
	Usage string
}{
	{"start", ":start <user-id>  open the direct conversation with a user"},
	{"leave", ":leave            leave the open conversation"},
	{"read", ":read             mark the open conversation read"},
	{"retry", ":retry            retry unsent messages"},
	{"sync", ":sync             reload conversations from the server"},
}

// ParseCommand parses a command line without the leading ':'. The name is
// lowercased; the rest of the line is kept as Args.
func ParseCommand(input string) Command {
	name, args, _ := strings.Cut(strings.TrimSpace(input), " ")
	return Command{Name: strings.ToLower(name), Args: strings.TrimSpace(args)}
}
