// atlas-loader 輸出資料表的DDL，供 atlas migrate diff 使用
//
//	data "external_schema" "gorm" {
//	  program = ["go", "run", "-mod=mod", "./tools/atlas-loader"]
//	}
package main

import (
	"fmt"
	"io"
	"os"

	"ariga.io/atlas-provider-gorm/gormschema"
	"github.com/spf13/pflag"

	"gavel/models"
)

func main() {
	dialect := pflag.String("dialect", "postgres", "postgres or sqlite")
	pflag.Parse()

	stmts, err := gormschema.New(*dialect).Load(&models.Listing{}, &models.Bid{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load gorm schema: %v\n", err)
		os.Exit(1)
	}
	io.WriteString(os.Stdout, stmts)
}
