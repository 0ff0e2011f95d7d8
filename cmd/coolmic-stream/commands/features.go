package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CoolMicApp/libcoolmic-dsp/pkg/dsp"
)

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "Print the capabilities of this build",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%s %s\n", dsp.Vendor, dsp.Version)
		for _, f := range dsp.Features() {
			fmt.Println(f)
		}
	},
}
