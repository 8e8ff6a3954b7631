// Command ivrtutor runs the IVR Tutor call orchestrator and its operator
// tooling.
//
//	ivrtutor serve              webhook server, scheduler and SMS dispatcher
//	ivrtutor migrate up|status  database schema
//	ivrtutor catalog validate   check a content catalog file
//	ivrtutor catalog list       print the units of a catalog
//	ivrtutor progress show      print a student's progress
//	ivrtutor jobs list|run      inspect or trigger background jobs
//
// Configuration is read from the environment, see config.Config.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
