// Inventory tool: dumps the key package pool and stored backups from a
// Badger directory. Meant for operators, reads only metadata, never decodes
// a blob.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/mama165/sdk-go/database"
	"github.com/olekukonko/tablewriter"
)

type diskKeyPackage struct {
	ID         string `json:"id"`
	Owner      string `json:"owner"`
	Blob       []byte `json:"blob"`
	UploadedAt int64  `json:"uploaded_at"`
}

type diskBackup struct {
	Version  uint64 `json:"version"`
	Blob     []byte `json:"blob"`
	StoredAt int64  `json:"stored_at"`
}

func main() {
	dbPath := flag.String("db", database.DefaultPath, "Path to badger DB")
	prefix := flag.String("prefix", "kp:", "Prefix to scan (kp: or backup:)")
	flag.Parse()

	db, err := badger.Open(badger.DefaultOptions(*dbPath).
		WithReadOnly(true).
		WithLoggingLevel(badger.ERROR))
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Key", "Type", "Owner / Version", "Uploaded", "Blob Size"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(*prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()
			key := string(item.Key())

			// Skip the id index, it only mirrors primary keys
			if strings.HasPrefix(key, "kpid:") {
				continue
			}

			err := item.Value(func(v []byte) error {
				switch {
				case strings.HasPrefix(key, "kp:"):
					var kp diskKeyPackage
					if err := json.Unmarshal(v, &kp); err != nil {
						fmt.Printf("Error unmarshaling key %s: %v\n", key, err)
						return nil
					}
					table.Append([]string{
						key,
						color.Green.Sprint("KEY_PACKAGE"),
						kp.Owner,
						time.Unix(0, kp.UploadedAt).UTC().Format(time.RFC3339),
						fmt.Sprintf("%d B", len(kp.Blob)),
					})
				case strings.HasPrefix(key, "backup:"):
					var b diskBackup
					if err := json.Unmarshal(v, &b); err != nil {
						fmt.Printf("Error unmarshaling key %s: %v\n", key, err)
						return nil
					}
					table.Append([]string{
						key,
						color.Cyan.Sprint("BACKUP"),
						fmt.Sprintf("v%d", b.Version),
						time.Unix(0, b.StoredAt).UTC().Format(time.RFC3339),
						fmt.Sprintf("%d B", len(b.Blob)),
					})
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Fatal("Error while scanning: ", err)
	}

	table.Render()
}
