package commands

import (
	"log"
	"path"

	"github.com/spf13/cobra"
	"github.com/zeu5/motion-model/sim"
	"github.com/zeu5/motion-model/util"
)

const generatorConfigFile = "generator.json"

func GenerateCommand() *cobra.Command {
	var dataPath string
	config := sim.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a synthetic replay buffer by driving over random terrain",
		RunE: func(cmd *cobra.Command, args []string) error {
			config.Seed = seed
			return RunGenerate(config, dataPath)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&dataPath, "data", "simData/", "Folder to write the replay buffer .npy files to")
	flags.IntVarP(&config.Episodes, "episodes", "e", config.Episodes, "Number of episodes to run")
	flags.IntVar(&config.Horizon, "horizon", config.Horizon, "Horizon of each episode")
	flags.IntVar(&config.TerrainSize, "terrain-size", config.TerrainSize, "Side of the square terrain height map")
	flags.IntVar(&config.TerrainBumps, "terrain-bumps", config.TerrainBumps, "Number of hills and pits per terrain")
	flags.IntVar(&config.PatchSize, "patch-size", config.PatchSize, "Side of the terrain patch recorded around the vehicle")
	flags.Float64Var(&config.NoiseTheta, "noise-theta", config.NoiseTheta, "Mean reversion of the exploration noise")
	flags.Float64Var(&config.NoiseSigma, "noise-sigma", config.NoiseSigma, "Scale of the exploration noise")
	flags.Float64Var(&config.Vehicle.Dt, "dt", config.Vehicle.Dt, "Integration time step")
	return cmd
}

func RunGenerate(config sim.Config, dataPath string) error {
	buf, err := sim.Generate(config)
	if err != nil {
		return err
	}
	if err := buf.Save(dataPath); err != nil {
		return err
	}
	log.Printf("wrote %d transitions to %s: %s", buf.Len(), dataPath, buf.Dims().Printable())
	return util.WriteToFile(path.Join(dataPath, generatorConfigFile), config.Printable())
}
