// speedsnake is the speedtest history dashboard.
package main

import "github.com/thekhoo/speedsnake/internal/cli"

func main() {
	cli.Execute()
}
