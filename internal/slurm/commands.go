package slurm

import (
	"fmt"
	"strings"

	"github.com/tastythames/slurm-portal/internal/jobscript"
)

// Command is one of the scheduler or file commands the portal runs remotely.
// Only the constructors below build them, so every argument is quoted.
type Command struct {
	kind string
	args []string
}

func (c Command) String() string {
	q := make([]string, len(c.args))
	for i, a := range c.args {
		q[i] = jobscript.Quote(a)
	}
	switch c.kind {
	case "sbatch":
		return fmt.Sprintf("cd %s && sbatch %s", q[0], q[1])
	case "squeue":
		return fmt.Sprintf("squeue -h -u %s -j %s -o '%%i %%T'", q[0], q[1])
	case "sacct":
		return fmt.Sprintf("sacct -n -X -P -j %s -o State,ExitCode", q[0])
	case "chmod":
		return "chmod +x " + q[0]
	case "dos2unix":
		return "dos2unix -q " + q[0]
	default:
		return "false"
	}
}

func (c Command) Kind() string { return c.kind }

func CmdSbatch(dir, script string) Command { return Command{kind: "sbatch", args: []string{dir, script}} }
func CmdSqueue(user string, id JobHandle) Command {
	return Command{kind: "squeue", args: []string{user, string(id)}}
}
func CmdSacct(id JobHandle) Command    { return Command{kind: "sacct", args: []string{string(id)}} }
func CmdChmodExec(path string) Command { return Command{kind: "chmod", args: []string{path}} }
func CmdDos2Unix(path string) Command  { return Command{kind: "dos2unix", args: []string{path}} }

// invalidJobID is squeue's stderr once a finished job has aged out of slurmctld.
const invalidJobID = "Invalid job id"

func isInvalidJobID(stderr string) bool {
	return strings.Contains(stderr, invalidJobID)
}
