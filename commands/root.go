package commands

import "github.com/spf13/cobra"

var (
	saveFile   string
	seed       uint64
	cpuprofile string
	memprofile string
)

func GetRootCommand() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:   "motion-model",
		Short: "Train and serve a terrain-aware vehicle motion model",
	}
	rootCommand.PersistentFlags().StringVarP(&saveFile, "save", "s", "results", "Save the result data in the specified folder")
	rootCommand.PersistentFlags().Uint64Var(&seed, "seed", 1, "Seed for parameter initialisation, sampling and data generation")
	rootCommand.PersistentFlags().StringVar(&cpuprofile, "cpuprofile", "", "write cpu profile to `file` in the save folder")
	rootCommand.PersistentFlags().StringVar(&memprofile, "memprofile", "", "write memory profile to `file` in the save folder")
	// adding the subcommands here
	rootCommand.AddCommand(TrainCommand())
	rootCommand.AddCommand(EvalCommand())
	rootCommand.AddCommand(GenerateCommand())
	rootCommand.AddCommand(ServeCommand())
	return rootCommand
}
