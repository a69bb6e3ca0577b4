package pipeline_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/dbmirror/dbmirror/internal/decrypt"
	"github.com/dbmirror/dbmirror/internal/mirror"
	"github.com/dbmirror/dbmirror/internal/pipeline"
)

func ExampleIsFTS() {
	for _, name := range []string{"fts_message.db", "message_fts.db", "message_0.db", "shifts.db"} {
		fmt.Println(name, pipeline.IsFTS(name))
	}
	// Output:
	// fts_message.db true
	// message_fts.db true
	// message_0.db false
	// shifts.db false
}

// ExamplePipeline_RunBatch mirrors one source file with a decrypter that
// copies its input.
func ExamplePipeline_RunBatch() {
	srcDir, err := os.MkdirTemp("", "dbmirror-source")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(srcDir)
	mirrorRoot, err := os.MkdirTemp("", "dbmirror-mirror")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(mirrorRoot)

	src := filepath.Join(srcDir, "contact.db")
	if err := os.WriteFile(src, []byte("ciphertext"), 0644); err != nil {
		log.Fatal(err)
	}

	copyFile := decrypt.Func(func(ctx context.Context, src, dst, key string, onProgress decrypt.ProgressFunc) error {
		data, err := os.ReadFile(src)
		if err != nil {
			return err
		}
		return os.WriteFile(dst, data, 0644)
	})

	p, err := pipeline.New(pipeline.Config{
		Decrypter:          copyFile,
		Key:                "k",
		SkipIntegrityCheck: true,
	})
	if err != nil {
		log.Fatal(err)
	}

	layout := mirror.Layout{Root: mirrorRoot, Account: "wxid_abc"}
	res := p.RunBatch(context.Background(), []mirror.SourceFile{{Name: "contact.db", Path: src}}, pipeline.Options{Layout: layout})

	fmt.Println(res.SuccessCount, res.Outcomes[0].State)
	fmt.Println(layout.Stat("contact.db").Exists)
	// Output:
	// 1 committed
	// true
}
