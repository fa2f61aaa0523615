package commands

import (
	"log"
	"path"

	"github.com/spf13/cobra"
	"github.com/zeu5/motion-model/model"
	"github.com/zeu5/motion-model/server"
)

func ServeCommand() *cobra.Command {
	var checkpoint, addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve next-state predictions of a checkpoint over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			if checkpoint == "" {
				checkpoint = path.Join(saveFile, checkpointFile)
			}
			m, ckpt, err := model.LoadCheckpoint(checkpoint)
			if err != nil {
				return err
			}
			defer m.Close()

			ctx, done := interruptContext()
			defer done()

			server.New(addr, m, ckpt.Normalizer, nil).Start(ctx)
			log.Printf("serving %s (update %d) on %s", checkpoint, ckpt.Update, addr)
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&checkpoint, "checkpoint", "", "Checkpoint to serve, defaults to the one in the save folder")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	return cmd
}
