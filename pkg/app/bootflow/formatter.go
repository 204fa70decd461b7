package bootflow

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// FormatOutput writes a response in the requested output format
func FormatOutput(w io.Writer, response any, format string) error {
	switch format {
	case "json":
		return formatJSON(w, response)
	case "yaml":
		return formatYAML(w, response)
	case "table":
		return formatTable(w, response)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

func formatJSON(w io.Writer, response any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

func formatYAML(w io.Writer, response any) error {
	encoder := yaml.NewEncoder(w)
	defer encoder.Close()
	encoder.SetIndent(2)
	return encoder.Encode(response)
}

func formatTable(w io.Writer, response any) error {
	switch r := response.(type) {
	case *BootResponse:
		return formatBootTable(w, r)
	case *PartitionsResponse:
		return formatPartitionsTable(w, r)
	case *OtaResponse:
		return formatOtaTable(w, r)
	case *VerifyResponse:
		return formatVerifyTable(w, r)
	case *HistoryResponse:
		return formatHistoryTable(w, r)
	case *MkdumpResponse:
		return formatMkdumpTable(w, r)
	default:
		return fmt.Errorf("no table layout for %T", response)
	}
}

func formatBootTable(w io.Writer, r *BootResponse) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "INDEX\tPARTITION\tOFFSET\tSIZE\tRESULT\n")
	fmt.Fprintf(tw, "-----\t---------\t------\t----\t------\n")
	for _, a := range r.Attempts {
		result := "ok"
		if a.Error != "" {
			result = a.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t0x%08x\t0x%x\t%s\n", IndexName(a.Index), a.Name, a.Offset, a.Size, result)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nBoot %s: %s\n", r.BootID, r.State)
	if r.TestForced {
		fmt.Fprintln(w, "Test app requested by GPIO hold")
	}
	if r.Started() {
		fmt.Fprintf(w, "Started %s (%s) at offset 0x%x, entry 0x%08x, image length 0x%x\n",
			IndexName(r.BootIndex), r.Partition, r.Offset, r.EntryAddr, r.ImageLen)
	} else {
		fmt.Fprintf(w, "Error: %s\n", r.Error)
	}
	return nil
}

func formatPartitionsTable(w io.Writer, r *PartitionsResponse) error {
	if len(r.Partitions) == 0 {
		fmt.Fprintln(w, "Partition table is empty.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "#\tLABEL\tUSAGE\tTYPE\tSUBTYPE\tOFFSET\tSIZE\n")
	fmt.Fprintf(tw, "-\t-----\t-----\t----\t-------\t------\t----\n")
	for _, p := range r.Partitions {
		fmt.Fprintf(tw, "%d\t%s\t%s\t0x%02x\t0x%02x\t0x%08x\t0x%x\n",
			p.Index, p.Label, p.Usage, p.Type, p.Subtype, p.Offset, p.Size)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nTable at 0x%x, %d OTA app partition(s)\n", r.TableOffset, r.AppCount)
	return nil
}

func formatOtaTable(w io.Writer, r *OtaResponse) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "RECORD\tSEQ\tCRC\tSTATE\n")
	fmt.Fprintf(tw, "------\t---\t---\t-----\n")
	fmt.Fprintf(tw, "A\t0x%08x\t0x%08x\t%s\n", r.A.Seq, r.A.CRC, r.A.State)
	fmt.Fprintf(tw, "B\t0x%08x\t0x%08x\t%s\n", r.B.Seq, r.B.CRC, r.B.State)
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\nOTA data at 0x%x selects %s\n", r.Offset, r.Selected)
	if r.Saved {
		fmt.Fprintln(w, "Flash dump updated")
	}
	return nil
}

func formatVerifyTable(w io.Writer, r *VerifyResponse) error {
	if len(r.Results) == 0 {
		fmt.Fprintln(w, "No app images to verify.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "NAME\tOFFSET\tLENGTH\tENTRY\tSEGMENTS\tRESULT\n")
	fmt.Fprintf(tw, "----\t------\t------\t-----\t--------\t------\n")
	for _, res := range r.Results {
		if res.Valid {
			fmt.Fprintf(tw, "%s\t0x%08x\t0x%x\t0x%08x\t%d\tvalid\n",
				res.Name, res.Offset, res.ImageLen, res.EntryAddr, res.Segments)
		} else {
			fmt.Fprintf(tw, "%s\t0x%08x\t-\t-\t-\t%s\n", res.Name, res.Offset, res.Error)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d valid, %d invalid\n", r.Valid, r.Invalid)
	return nil
}

func formatHistoryTable(w io.Writer, r *HistoryResponse) error {
	if len(r.Entries) == 0 {
		fmt.Fprintln(w, "No boot attempts recorded.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "BOOT ID\tTIME\tCHIP\tSTATE\tBOOTED\tOFFSET\tATTEMPTS\n")
	fmt.Fprintf(tw, "-------\t----\t----\t-----\t------\t------\t--------\n")
	for _, e := range r.Entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t0x%08x\t%d\n",
			e.BootID, e.StartedAt.Format("2006-01-02 15:04:05"), e.Chip, e.State,
			IndexName(e.BootIndex), e.Offset, e.Attempts)
	}
	return tw.Flush()
}

func formatMkdumpTable(w io.Writer, r *MkdumpResponse) error {
	if len(r.Images) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "IMAGE\tOFFSET\tLENGTH\tROOM\n")
		fmt.Fprintf(tw, "-----\t------\t------\t----\n")
		for _, img := range r.Images {
			fmt.Fprintf(tw, "%s\t0x%08x\t0x%x\t0x%x\n", img.Name, img.Offset, img.Len, img.Room)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Wrote %s: 0x%x bytes, %d partition(s), table at 0x%x\n",
		r.Output, r.FlashSize, r.Partitions, r.TableOffset)
	fmt.Fprintf(w, "Next boot selects %s\n", r.Selected)
	return nil
}
